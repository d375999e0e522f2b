package shmem

import (
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Shared-memory objects outlive the processes that created them, so every
// segment this process touches is recorded here. At the end of a run the
// driver calls CleanupByBaseID to unlink anything left behind.
var (
	inUseMu       sync.Mutex
	inUseSegments = map[string]struct{}{}
)

func registerSegment(osID string) {
	inUseMu.Lock()
	inUseSegments[osID] = struct{}{}
	inUseMu.Unlock()
}

func unregisterSegment(osID string) {
	inUseMu.Lock()
	delete(inUseSegments, osID)
	inUseMu.Unlock()
}

// InUseSegments returns the OS ids of every segment this process has
// created or opened and not yet closed.
func InUseSegments() []string {
	inUseMu.Lock()
	defer inUseMu.Unlock()
	ids := make([]string, 0, len(inUseSegments))
	for id := range inUseSegments {
		ids = append(ids, id)
	}
	return ids
}

// CleanupByBaseID unlinks every registered shared-memory object whose id
// was derived from the given base id. Objects already removed are skipped.
func CleanupByBaseID(base uuid.UUID) error {
	prefix := MemoryIdPrefix(base)
	inUseMu.Lock()
	defer inUseMu.Unlock()
	var firstErr error
	for id := range inUseSegments {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if err := os.Remove(segmentPath(id)); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("segment", id).Msg("failed to remove shared memory segment")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delete(inUseSegments, id)
	}
	return firstErr
}
