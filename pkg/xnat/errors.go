package xnat

import (
	"errors"
	"fmt"
)

var (
	// ErrUsage marks caller mistakes (unresolved descriptors, missing
	// formats). Never retried.
	ErrUsage = errors.New("usage error")

	// ErrNotFound marks items absent from the remote repository.
	ErrNotFound = errors.New("not found on remote")

	// ErrUnavailable marks the remote as temporarily unreachable (the
	// circuit to it is open).
	ErrUnavailable = errors.New("remote unavailable")
)

// CorruptDownloadError reports a downloaded resource bundle that could not be
// expanded. It carries the remote identity of the resource so the caller can
// retry that one item.
type CorruptDownloadError struct {
	// Resource is the remote identity (scan ID or resource label).
	Resource string

	// Path of the unusable archive.
	Path string

	cause error
}

func (e *CorruptDownloadError) Error() string {
	return fmt.Sprintf(
		"downloaded archive of resource %s is corrupt (%s): %s",
		e.Resource, e.Path, e.cause,
	)
}

func (e *CorruptDownloadError) Unwrap() error {
	return e.cause
}
