package engine

import "errors"

var (
	// ErrInvalidJobID rejects empty or whitespace-only job ids.
	ErrInvalidJobID = errors.New("engine: invalid job id")
	// ErrInvalidTrigger wraps trigger validation failures at registration.
	ErrInvalidTrigger = errors.New("engine: invalid trigger")
	// ErrStopped is returned when registering against a stopped engine.
	ErrStopped = errors.New("engine: stopped")
)
