package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsInsufficientSpace(t *testing.T) {
	assert.False(t, IsInsufficientSpace(nil))
	assert.False(t, IsInsufficientSpace(errors.New("relation does not exist")))
	assert.False(t, IsInsufficientSpace(&pgconn.PgError{Code: "23505"}))

	assert.True(t, IsInsufficientSpace(&pgconn.PgError{Code: "53100"}))
	assert.True(t, IsInsufficientSpace(fmt.Errorf("exec: %w", &pgconn.PgError{Code: "53100"})),
		"classification must survive wrapping")
	assert.True(t, IsInsufficientSpace(errors.New("write failed: no space left on device")))
	assert.True(t, IsInsufficientSpace(errors.New("could not extend file \"base/16384/2619\"")))
	assert.True(t, IsInsufficientSpace(errors.New("Insufficient disk space in tempdb")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInputRejected, KindOf(InputRejectedf("archivo inválido")))
	assert.Equal(t, KindStorageExhausted, KindOf(StorageExhausted("sin espacio", nil)))
	assert.Equal(t, KindInfrastructure, KindOf(Infrastructure("falló", errors.New("x"))))
	assert.Equal(t, KindInfrastructure, KindOf(errors.New("anything")))
	assert.Equal(t, KindStorageExhausted, KindOf(&pgconn.PgError{Code: "53100"}),
		"unwrapped driver errors still classify by space")

	wrapped := fmt.Errorf("context: %w", InputRejectedf("rechazado"))
	assert.Equal(t, KindInputRejected, KindOf(wrapped))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Infrastructure("No fue posible cargar", cause)
	assert.Equal(t, "No fue posible cargar: boom", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "archivo vacío", InputRejectedf("archivo vacío").Error())
}
