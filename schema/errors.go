package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidKey indicates a navigation key could not be built.
	ErrInvalidKey = errors.New("invalid navigation key")
	// ErrInvalidOffset indicates a negative or unparsable scroll offset.
	ErrInvalidOffset = errors.New("invalid scroll offset")
	// ErrNotImplemented indicates a recognised but unsupported backend.
	ErrNotImplemented = errors.New("not implemented")
	// ErrStorageUnavailable indicates the session storage could not be reached.
	ErrStorageUnavailable = errors.New("session storage unavailable")
	// ErrEmptyResult indicates an executor returned a zero result.
	ErrEmptyResult = errors.New("executor returned an empty result")
	// ErrQueueBusy indicates Run was called while the queue was already running.
	ErrQueueBusy = errors.New("queue is already running")
	// ErrBatchNotFound indicates an unknown upload batch.
	ErrBatchNotFound = errors.New("batch not found")
)
