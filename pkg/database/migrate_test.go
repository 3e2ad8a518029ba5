package database

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmbeddedMigrationsAreGooseAnnotated(t *testing.T) {
	body, err := migrationFiles.ReadFile("migrations/0001_init.sql")
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- +goose Up")
	assert.Contains(t, string(body), "-- +goose Down")

	gooseMu.Lock()
	defer gooseMu.Unlock()
	require.NoError(t, configureGoose(zap.NewNop()))
	migrations, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.Equal(t, int64(1), migrations[0].Version)
}

func TestMigrateWrapsDatabaseFailure(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "sqlmock")
	mock.MatchExpectationsInOrder(false)
	boom := errors.New("connection refused")
	mock.ExpectQuery("goose_db_version").WillReturnError(boom)
	mock.ExpectExec("goose_db_version").WillReturnError(boom)

	err = Migrate(context.Background(), db, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply migrations")
}
