package embed

import "errors"

// ErrSessionTimeout is returned by SessionPool.Get when no session became
// available before the deadline.
var ErrSessionTimeout = errors.New("session acquire timed out")

// ErrBatchTimeout is returned to every request in a batch that exhausts
// its retry budget.
var ErrBatchTimeout = errors.New("batch processing timed out")

// ErrRequestExpired is returned to a request whose deadline passed before
// it was dispatched.
var ErrRequestExpired = errors.New("request deadline expired before dispatch")

// ErrDimensionMismatch signals the model's declared output shape
// disagreed with what the provider expected.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")
