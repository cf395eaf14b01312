package container

import (
	"errors"
	"fmt"
)

// Sentinel errors for container decoding.
var (
	ErrMalformedContainer         = errors.New("malformed container")
	ErrManifestVerificationFailed = errors.New("manifest verification failed")
)

// EntryError reports a failure tied to a container entry.
type EntryError struct {
	Entry string
	Err   error
}

func (e *EntryError) Error() string {
	if e.Entry == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("container entry %s: %v", e.Entry, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

func malformed(entry, format string, args ...any) error {
	return &EntryError{Entry: entry, Err: fmt.Errorf("%w: %s", ErrMalformedContainer, fmt.Sprintf(format, args...))}
}

func manifestFailed(entry, format string, args ...any) error {
	return &EntryError{Entry: entry, Err: fmt.Errorf("%w: %s", ErrManifestVerificationFailed, fmt.Sprintf(format, args...))}
}
