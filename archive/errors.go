package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned for operations on a handle that was never opened or is closed.
	ErrNotOpen = errors.New("archive is not open")
	// ErrLibraryUnavailable means no structured parsing library is configured.
	ErrLibraryUnavailable = errors.New("structured archive library unavailable")

	errItemUnavailable = errors.New("item accessor unavailable")
)

// FormatError reports a file that is not a supported archive.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: unsupported archive format: %s", e.Path, e.Reason)
}

// ItemError describes a single folder, sub-folder or message that could not be read.
type ItemError struct {
	Folder string
	Kind   string
	Index  int
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %d in %s: %v", e.Kind, e.Index, e.Folder, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
