package shmem

import (
	"encoding/binary"
	"fmt"
)

// MetaversionSize is the serialized size of a Metaversion in bytes.
const MetaversionSize = 8

// Metaversion is a pair of generation counters describing the state of a
// segment. The memory counter changes whenever the underlying allocation
// moves or changes size (readers must remap); the batch counter changes
// whenever the batch contents change (readers must re-decode). The batch
// counter is never behind the memory counter: memory can only move when the
// batch it carries moves too.
//
// Each segment stores one persisted Metaversion in its header region, and
// every process keeps a loaded copy per batch. Comparing the two tells a
// reader exactly how much work a reload needs.
type Metaversion struct {
	memory uint32
	batch  uint32
}

// NewMetaversion builds a Metaversion, rejecting pairs where the batch
// counter lags the memory counter.
func NewMetaversion(memory, batch uint32) (Metaversion, error) {
	if batch < memory {
		return Metaversion{}, fmt.Errorf("batch version %d must not be older than memory version %d", batch, memory)
	}
	return Metaversion{memory: memory, batch: batch}, nil
}

// MetaversionFromLEBytes decodes a Metaversion from its 8-byte
// little-endian form.
func MetaversionFromLEBytes(b []byte) (Metaversion, error) {
	if len(b) < MetaversionSize {
		return Metaversion{}, fmt.Errorf("metaversion needs %d bytes, got %d: %w", MetaversionSize, len(b), ErrOutOfBounds)
	}
	return NewMetaversion(
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint32(b[4:8]),
	)
}

// ToLEBytes encodes the Metaversion into its 8-byte little-endian form.
func (v Metaversion) ToLEBytes() []byte {
	b := make([]byte, MetaversionSize)
	binary.LittleEndian.PutUint32(b[0:4], v.memory)
	binary.LittleEndian.PutUint32(b[4:8], v.batch)
	return b
}

// Memory returns the memory generation counter.
func (v Metaversion) Memory() uint32 {
	return v.memory
}

// Batch returns the batch generation counter.
func (v Metaversion) Batch() uint32 {
	return v.batch
}

// OlderThan reports whether v has seen fewer batch updates than other.
func (v Metaversion) OlderThan(other Metaversion) bool {
	return v.batch < other.batch
}

// NewerThan reports whether v has seen more batch updates than other.
func (v Metaversion) NewerThan(other Metaversion) bool {
	return v.batch > other.batch
}

// MaybeUpdate advances v to other if other is newer, reporting whether an
// update happened.
func (v *Metaversion) MaybeUpdate(other Metaversion) bool {
	if v.OlderThan(other) {
		*v = other
		return true
	}
	return false
}

// Increment records a memory change, which implies a batch change.
func (v *Metaversion) Increment() {
	v.memory++
	v.batch++
}

// IncrementBatch records a batch change that left the allocation in place.
func (v *Metaversion) IncrementBatch() {
	v.batch++
}

// IncrementWith advances the version according to what a buffer write did
// to the segment.
func (v *Metaversion) IncrementWith(change BufferChange) {
	if change.Resized() {
		v.Increment()
	} else if change.Shifted() {
		v.IncrementBatch()
	}
}

func (v Metaversion) String() string {
	return fmt.Sprintf("Metaversion{memory: %d, batch: %d}", v.memory, v.batch)
}
