package corpus

import "errors"

var (
	// ErrInvalidRequest is returned when a truncation would not shrink the
	// source file.
	ErrInvalidRequest = errors.New("invalid truncation request")
	// ErrResourceContention is returned when an artifact lock could not be
	// acquired in time. It is safe to retry.
	ErrResourceContention = errors.New("artifact lock contention")
	ErrEmptyCorpus        = errors.New("no eligible files in corpus")
	// ErrMissingInput is returned when neither a corpus directory nor a
	// dataset is given.
	ErrMissingInput = errors.New("no corpus directory or dataset given")
)
