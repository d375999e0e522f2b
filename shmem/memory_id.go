package shmem

import (
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"

	"github.com/google/uuid"
)

// MemoryId names one OS shared-memory object. Every id shares a prefix
// derived from the experiment id, so all segments belonging to one run can
// be found (and cleaned up) together.
type MemoryId struct {
	base   uuid.UUID
	suffix uint16
}

// MemoryIdPrefix returns the shared prefix of every segment id created for
// the given base id.
func MemoryIdPrefix(base uuid.UUID) string {
	simple := hex.EncodeToString(base[:])
	if runtime.GOOS == "darwin" {
		// Darwin limits shared memory object names to 31 characters.
		return fmt.Sprintf("shm_%.20s", simple)
	}
	return "shm_" + simple
}

// NewMemoryId generates an id that does not collide with an existing segment
// file for this base id.
func NewMemoryId(base uuid.UUID) MemoryId {
	for {
		id := MemoryId{base: base, suffix: uint16(rand.Uint32())}
		if _, err := os.Stat(segmentPath(id.String())); os.IsNotExist(err) {
			return id
		}
	}
}

// Base returns the experiment id this memory id was derived from.
func (id MemoryId) Base() uuid.UUID {
	return id.base
}

func (id MemoryId) String() string {
	return fmt.Sprintf("%s_%d", MemoryIdPrefix(id.base), id.suffix)
}
