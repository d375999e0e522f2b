package batch

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/shmbatch/shmem"
)

// ErrQueuedChanges is returned when an operation that rewrites a whole
// batch finds column changes still waiting to be flushed.
var ErrQueuedChanges = errors.New("batch has unflushed column changes")

// StaleVersionError reports a loaded batch lagging the version persisted in
// its segment. The holder must reload before reading or rewriting.
type StaleVersionError struct {
	MemoryID  string
	Persisted shmem.Metaversion
	Loaded    shmem.Metaversion
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("batch in segment %s is stale: persisted %s, loaded %s",
		e.MemoryID, e.Persisted, e.Loaded)
}

// CorruptSegmentError reports a segment whose contents do not decode as a
// batch of the expected schema.
type CorruptSegmentError struct {
	MemoryID string
	Err      error
}

func (e *CorruptSegmentError) Error() string {
	return fmt.Sprintf("segment %s holds corrupt batch data: %v", e.MemoryID, e.Err)
}

func (e *CorruptSegmentError) Unwrap() error {
	return e.Err
}
