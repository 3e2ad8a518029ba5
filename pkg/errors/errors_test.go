package errors

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestCloneKeepsIdentity(t *testing.T) {
	err := Clone(ErrInvalidTransition, "session already completed")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "session already completed", err.Message)
	assert.Equal(t, http.StatusConflict, err.Status)
}

func TestWrapUnwrapsCause(t *testing.T) {
	err := Wrap(sql.ErrNoRows, ErrInternal.Code, ErrInternal.Status, "load failed")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	assert.Equal(t, "load failed: sql: no rows in result set", err.Error())
}

func TestFromErrorNormalises(t *testing.T) {
	plain := fmt.Errorf("boom")
	appErr := FromError(plain)
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Equal(t, plain, appErr.Err)

	wrapped := fmt.Errorf("context: %w", ErrForbidden)
	assert.Equal(t, ErrForbidden, FromError(wrapped))
	assert.Nil(t, FromError(nil))
}

func TestInvalidListsValidatorFields(t *testing.T) {
	type payload struct {
		Subject string `validate:"required"`
		Rating  int    `validate:"min=1,max=5"`
	}
	verr := validator.New().Struct(payload{Rating: 9})
	err := Invalid(verr, "invalid session payload")

	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, http.StatusBadRequest, err.Status)
	assert.Equal(t, []FieldError{
		{Field: "Subject", Rule: "required"},
		{Field: "Rating", Rule: "max", Param: "5"},
	}, err.Details)

	plain := Invalid(fmt.Errorf("bad date"), "invalid date")
	assert.Empty(t, plain.Details)
	assert.ErrorIs(t, Internal(sql.ErrConnDone, "db down"), ErrInternal)
}
