// Package common defines shared constants and sentinel errors used across
// the sync engine components. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Queue validation errors. A disallowed table or an undecodable
	// payload is a programming error and is never retried.
	ErrTableNotAllowed = errors.New("table not allowed")
	ErrBadPayload      = errors.New("malformed mutation payload")

	// Encryption-layer errors.
	ErrKeyUnavailable = errors.New("clinic key unavailable")
	ErrInvalidKey     = errors.New("invalid key material")
	ErrCiphertext     = errors.New("malformed ciphertext envelope")

	// Model validation errors.
	ErrInvalidCompletion = errors.New("invalid training completion")

	// Remote-store errors.
	ErrOffline = errors.New("remote store unreachable")
)
