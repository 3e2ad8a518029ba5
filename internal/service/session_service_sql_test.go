package service

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/bktutor-api/internal/repository"
	appErrors "github.com/noah-isme/bktutor-api/pkg/errors"
)

func newSQLSessionService(t *testing.T) (*SessionService, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	db := sqlx.NewDb(raw, "sqlmock")
	svc := NewSessionService(repository.NewSessionRepository(db), repository.NewUserRepository(db), &recordingNotifier{}, nil, zap.NewNop())
	return svc, mock
}

func TestSessionGetNonUUIDIDIsNotFound(t *testing.T) {
	svc, mock := newSQLSessionService(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1")).
		WithArgs("abc").
		WillReturnError(&pq.Error{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`})

	_, err := svc.Get(context.Background(), "abc", coordinator())
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionCreateNonUUIDTutorIsNotFound(t *testing.T) {
	svc, mock := newSQLSessionService(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "role", "active"}).AddRow("stu-1", "An Nguyen", "student", true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("abc").
		WillReturnError(&pq.Error{Code: "22P02"})

	req := validBooking()
	req.TutorID = "abc"
	_, err := svc.Create(context.Background(), req, studentActor("stu-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
