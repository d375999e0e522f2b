package shmem

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySegment is returned when a zero-sized segment is requested.
	ErrEmptySegment = errors.New("shared memory segment must not be empty")

	// ErrOutOfBounds is returned when a read or write would cross a
	// sub-region boundary.
	ErrOutOfBounds = errors.New("access outside segment bounds")

	// ErrHeaderTooSmall is returned when the header sub-region cannot hold
	// a serialized metaversion.
	ErrHeaderTooSmall = errors.New("segment header too small for metaversion")

	// ErrShrinkUnsupported is returned when a segment is asked to shrink on
	// a platform without shrink support.
	ErrShrinkUnsupported = errors.New("shared memory shrink not supported on this platform")

	// ErrSegmentClosed is returned when a segment is used after Close.
	ErrSegmentClosed = errors.New("segment is closed")
)

// SegmentSizeError reports a requested segment size outside the allowed range.
// The upper limit comes from the columnar subset using i32 list offsets.
type SegmentSizeError struct {
	Requested uint64
	Max       uint64
}

func (e *SegmentSizeError) Error() string {
	return fmt.Sprintf("segment size %d exceeds maximum %d", e.Requested, e.Max)
}

// MarkersError reports a markers block that does not describe a valid layout.
type MarkersError struct {
	ID     string
	Reason string
}

func (e *MarkersError) Error() string {
	return fmt.Sprintf("segment %s has invalid markers: %s", e.ID, e.Reason)
}
