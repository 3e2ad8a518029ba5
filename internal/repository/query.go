package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// pqInvalidTextRepresentation is raised when a malformed uuid meets a uuid column.
const pqInvalidTextRepresentation = "22P02"

// isMalformedID reports whether Postgres rejected an id argument as not a
// uuid. No row can match such an id, so callers treat it as sql.ErrNoRows.
func isMalformedID(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqInvalidTextRepresentation
}

// whereBuilder accumulates AND-ed conditions with positional placeholders.
type whereBuilder struct {
	conds []string
	args  []interface{}
}

// bind adds cond with one argument; every "$?" in cond refers to it.
func (b *whereBuilder) bind(cond string, value interface{}) {
	b.args = append(b.args, value)
	b.conds = append(b.conds, strings.ReplaceAll(cond, "$?", fmt.Sprintf("$%d", len(b.args))))
}

// eq adds "column = value".
func (b *whereBuilder) eq(column string, value interface{}) {
	b.bind(column+" = $?", value)
}

// in adds "column IN (...)"; an empty list adds nothing.
func (b *whereBuilder) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		b.args = append(b.args, v)
		placeholders[i] = fmt.Sprintf("$%d", len(b.args))
	}
	b.conds = append(b.conds, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ",")))
}

// raw adds a condition without arguments.
func (b *whereBuilder) raw(cond string) {
	b.conds = append(b.conds, cond)
}

// clause renders " WHERE ..." or nothing.
func (b *whereBuilder) clause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// window clamps limit into (0, max], falling back to def, and floors offset at zero.
func window(limit, offset, def, max int) (int, int) {
	if limit <= 0 || limit > max {
		limit = def
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func likePattern(s string) string {
	s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(strings.TrimSpace(s)))
	return "%" + s + "%"
}
