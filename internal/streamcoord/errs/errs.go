// Package errs defines the Stream Coordinator's error taxonomy.
//
// Errors are plain sentinel values, with two carrier types
// (ConstraintViolation, RecordsExpired) that wrap a sentinel via Unwrap
// so callers can distinguish terminal conditions with errors.Is/errors.As
// instead of string matching on AWS error codes.
package errs

import "errors"

var (
	// ErrInvalidPosition is returned by Coordinator.MoveTo when the supplied
	// Position doesn't match any of the recognised shapes.
	ErrInvalidPosition = errors.New("streamcoord: invalid move_to position")

	// ErrInvalidStream is returned when restoring a token finds no
	// intersection between the token's shards and the live stream topology.
	ErrInvalidStream = errors.New("streamcoord: token has no relation to the actual stream")

	// ErrRecordsExpired indicates a requested sequence number is older than
	// a shard's trim horizon. Recovered locally by the shard/coordinator.
	ErrRecordsExpired = errors.New("streamcoord: sequence number is past the shard's trim horizon")

	// ErrShardIteratorExpired indicates an open iterator aged out service
	// side. Recovered locally by re-acquiring an iterator at the shard's
	// current (iterator_type, sequence_number).
	ErrShardIteratorExpired = errors.New("streamcoord: shard iterator expired")

	// ErrConstraintViolation surfaces a failed conditional operation to the
	// caller; it is never retried.
	ErrConstraintViolation = errors.New("streamcoord: constraint violation")

	// ErrRetriesExhausted is the fatal error CallWithRetries raises once the
	// backoff policy gives up on a call.
	ErrRetriesExhausted = errors.New("streamcoord: retry attempts exhausted")
)

// ConstraintViolation carries the request that failed a conditional check,
// so a caller can log or inspect exactly what was sent.
type ConstraintViolation struct {
	Operation string
	Request   any
	Err       error
}

func (e *ConstraintViolation) Error() string {
	return "streamcoord: constraint violation during " + e.Operation + ": " + e.Err.Error()
}

func (e *ConstraintViolation) Unwrap() error {
	return ErrConstraintViolation
}

// RecordsExpired carries the shard and sequence number that triggered the
// expiry, useful for logging at the call site.
type RecordsExpired struct {
	ShardID        string
	SequenceNumber string
}

func (e *RecordsExpired) Error() string {
	return "streamcoord: sequence " + e.SequenceNumber + " on shard " + e.ShardID + " is past trim horizon"
}

func (e *RecordsExpired) Unwrap() error {
	return ErrRecordsExpired
}
