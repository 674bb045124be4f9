// Package errs defines the sentinel error taxonomy shared across converge's
// packages. Callers wrap these with fmt.Errorf("...: %w", ...) to keep
// errors.Is working while attaching call-site context. Within this module
// only ErrUnauthorized is returned (by task.Manager.Report and Fail); the
// other sentinels name the remaining kinds of the taxonomy and no package
// here returns them.
package errs

import "errors"

var (
	// ErrNotFound names a lookup by key or ID that finds nothing.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists names a put-if-absent style write whose key is
	// already present.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState names an operation attempted against an object in a
	// state that does not permit it (e.g. claiming a non-pending task,
	// terminating an already-terminal task).
	ErrInvalidState = errors.New("invalid state")

	// ErrUnauthorized is returned when the caller is not the agent a task
	// is assigned to.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAdmissionDenied names a pool admission policy rejecting an agent.
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrSignatureInvalid names a message that fails verification.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrUnknownRecipient names a fingerprint a transport cannot resolve
	// to a reachable peer.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrClosed names an operation attempted on a stopped transport,
	// runtime, or scheduler.
	ErrClosed = errors.New("closed")

	// ErrFrameTooLarge names a length prefix beyond a framed transport's
	// maximum frame size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)
