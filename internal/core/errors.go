package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies engine failures so the boundary can choose a status code
// without parsing message text.
type Kind int

const (
	// KindInfrastructure covers unexpected database or I/O failures.
	KindInfrastructure Kind = iota
	// KindInputRejected covers files the engine deliberately refused:
	// wrong format, failed validation gates, unmapped headers.
	KindInputRejected
	// KindStorageExhausted covers failures caused by the database running
	// out of disk, after the degraded path was also unable to proceed.
	KindStorageExhausted
)

// Error is a classified engine failure. Its message is operator-facing and
// written in Spanish; the wrapped cause, when present, keeps the technical
// detail for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// InputRejectedf builds a KindInputRejected error.
func InputRejectedf(format string, args ...any) *Error {
	return &Error{Kind: KindInputRejected, Message: fmt.Sprintf(format, args...)}
}

// StorageExhausted wraps err as a KindStorageExhausted failure.
func StorageExhausted(msg string, err error) *Error {
	return &Error{Kind: KindStorageExhausted, Message: msg, Err: err}
}

// Infrastructure wraps err as a KindInfrastructure failure.
func Infrastructure(msg string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Message: msg, Err: err}
}

// KindOf extracts the classification from err, defaulting to
// KindInfrastructure for anything the engine did not classify itself.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsInsufficientSpace(err) {
		return KindStorageExhausted
	}
	return KindInfrastructure
}

// IsInsufficientSpace reports whether err was ultimately caused by the
// database running out of storage. Postgres signals this with SQLSTATE
// 53100 (disk_full); the message sniff catches drivers and proxies that
// surface the OS error text instead.
func IsInsufficientSpace(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "53100" {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not extend file") ||
		strings.Contains(msg, "insufficient disk space") ||
		strings.Contains(msg, "no space left on device")
}
