package index

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestPgErrorClassification(t *testing.T) {
	dimErr := fmt.Errorf("query: %w", &pgconn.PgError{Code: "22000", Message: "different vector dimensions 3 and 4"})
	assert.True(t, isPgDimensionError(dimErr))
	assert.False(t, isPgDimensionError(&pgconn.PgError{Code: "42P01", Message: `relation "yt_chat_v2" does not exist`}))
	assert.False(t, isPgDimensionError(errors.New("different vector dimensions")))

	assert.True(t, isUndefinedTable(&pgconn.PgError{Code: "42P01"}))
	assert.True(t, isCreateRace(&pgconn.PgError{Code: "42P07"}))
	assert.False(t, isCreateRace(&pgconn.PgError{Code: "28P01"}))
}

func TestQdrantDimensionErrorIsDistinctFromPostgres(t *testing.T) {
	qErr := &qdrantStatusError{Status: http.StatusBadRequest, Body: `{"status":{"error":"Wrong input: Vector dimension error: expected dim: 3, got 4"}}`}
	assert.True(t, isQdrantDimensionError(qErr))
	assert.False(t, isPgDimensionError(qErr))
	assert.False(t, isQdrantDimensionError(&pgconn.PgError{Message: "different vector dimensions 3 and 4"}))
}
