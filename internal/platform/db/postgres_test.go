package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/tavola-pos/tavola/internal/platform/httpx"
)

func TestErrorCodes(t *testing.T) {
	unique := fmt.Errorf("insert invoice: %w", &pgconn.PgError{Code: "23505"})
	require.True(t, IsUniqueViolation(unique))
	require.False(t, IsContention(unique))

	require.True(t, IsContention(&pgconn.PgError{Code: "55P03"}))
	require.True(t, IsContention(&pgconn.PgError{Code: "40001"}))
	require.False(t, IsContention(errors.New("boom")))
}

func TestErrBusyMapsToConflict(t *testing.T) {
	err := fmt.Errorf("%w: %w", ErrBusy, &pgconn.PgError{Code: "55P03"})
	require.ErrorIs(t, err, httpx.ErrConflict)
	require.True(t, IsContention(err))
}
