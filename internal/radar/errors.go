package radar

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData means the source has no observation yet. Not a failure.
	ErrNoData = errors.New("no observation available")
	// ErrEmptyInput means fusion was asked to combine zero elevations.
	ErrEmptyInput = errors.New("elevation set is empty")
	// ErrShapeMismatch means the members of an elevation set are not co-registered.
	ErrShapeMismatch = errors.New("elevation grids disagree on shape, bounds or resolution")
)

// FetchError reports a failed per-elevation fetch.
type FetchError struct {
	Elevation float64
	Timestamp Timestamp
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch elevation %s at %s: %v", FormatElevation(e.Elevation), e.Timestamp, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TrackerPersistenceError reports a failed durable write of the tracker file.
type TrackerPersistenceError struct {
	Path string
	Err  error
}

func (e *TrackerPersistenceError) Error() string {
	return fmt.Sprintf("persist tracker %s: %v", e.Path, e.Err)
}

func (e *TrackerPersistenceError) Unwrap() error { return e.Err }
