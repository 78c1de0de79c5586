package repository

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	cleanup := func() {
		_ = sqlxDB.Close()
	}
	return sqlxDB, mock, cleanup
}

var (
	studentCols = []string{"code", "first_name", "last_name", "email", "phone", "address", "birth_date", "gender", "program", "semester", "created_at", "updated_at"}
	courseCols  = []string{"code", "name", "credits", "description", "created_at", "updated_at"}
)
