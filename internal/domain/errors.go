// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyResolved indicates a decision already carries a resolution.
// The existing resolution is left untouched.
var ErrAlreadyResolved = errors.New("decision already resolved")

// ErrAlreadyRevoked indicates a lease was revoked before. No second
// revocation record is written.
var ErrAlreadyRevoked = errors.New("lease already revoked")

// ErrLeaseInvalid indicates a lease cannot authorize an execution.
var ErrLeaseInvalid = errors.New("lease invalid")

// ErrStorage indicates an I/O failure against the ledger store.
var ErrStorage = errors.New("storage error")

// ErrValidation indicates malformed input to a ledger operation.
var ErrValidation = errors.New("validation failed")
