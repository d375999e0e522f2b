package shmem

import (
	"encoding/binary"
	"fmt"
)

// The markers block sits at offset 0 of every segment and records the offset
// and length of each content sub-region. Offsets are persisted rather than
// recomputed from lengths so that shrinking a region in place does not shift
// its successors.
const (
	markersSize = 8 * 8 // four (offset, length) pairs of LE uint64

	regionSchema = 0
	regionHeader = 1
	regionMeta   = 2
	regionData   = 3
	regionCount  = 4
)

// BufferChange describes what a write did to a segment's layout. Resized
// means the OS allocation itself changed (readers must remap); Shifted means
// region contents moved within the allocation (readers must re-decode).
type BufferChange struct {
	resized bool
	shifted bool
}

// Resized reports whether the underlying allocation changed size.
func (c BufferChange) Resized() bool { return c.resized }

// Shifted reports whether region contents moved within the allocation.
func (c BufferChange) Shifted() bool { return c.shifted }

func (c BufferChange) merge(other BufferChange) BufferChange {
	return BufferChange{
		resized: c.resized || other.resized,
		shifted: c.shifted || other.shifted,
	}
}

// markers is the decoded form of the markers block.
type markers struct {
	offsets [regionCount]uint64
	lengths [regionCount]uint64
}

// pad8 rounds n up to the next multiple of 8.
func pad8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// newMarkers lays out the four regions contiguously after the markers block,
// each starting on an 8-byte boundary.
func newMarkers(schemaLen, headerLen, metaLen, dataLen uint64) markers {
	var m markers
	m.lengths = [regionCount]uint64{schemaLen, headerLen, metaLen, dataLen}
	offset := uint64(markersSize)
	for i := 0; i < regionCount; i++ {
		m.offsets[i] = offset
		offset = pad8(offset + m.lengths[i])
	}
	return m
}

// readMarkers decodes and validates the markers block at the start of buf.
func readMarkers(id string, buf []byte) (markers, error) {
	var m markers
	if len(buf) < markersSize {
		return m, &MarkersError{ID: id, Reason: fmt.Sprintf("segment smaller than markers block (%d bytes)", len(buf))}
	}
	for i := 0; i < regionCount; i++ {
		m.offsets[i] = binary.LittleEndian.Uint64(buf[i*16:])
		m.lengths[i] = binary.LittleEndian.Uint64(buf[i*16+8:])
	}
	if err := m.validate(id, uint64(len(buf))); err != nil {
		return m, err
	}
	return m, nil
}

func (m markers) validate(id string, total uint64) error {
	prevEnd := uint64(markersSize)
	for i := 0; i < regionCount; i++ {
		if m.offsets[i] < prevEnd {
			return &MarkersError{ID: id, Reason: fmt.Sprintf("region %d at offset %d overlaps previous region ending at %d", i, m.offsets[i], prevEnd)}
		}
		end := m.offsets[i] + m.lengths[i]
		if end < m.offsets[i] || end > total {
			return &MarkersError{ID: id, Reason: fmt.Sprintf("region %d spans [%d, %d) outside segment of %d bytes", i, m.offsets[i], end, total)}
		}
		prevEnd = end
	}
	return nil
}

// write encodes the markers block into the first 64 bytes of buf.
func (m markers) write(buf []byte) {
	for i := 0; i < regionCount; i++ {
		binary.LittleEndian.PutUint64(buf[i*16:], m.offsets[i])
		binary.LittleEndian.PutUint64(buf[i*16+8:], m.lengths[i])
	}
}

// contentSize returns the total bytes needed up to the end of the data
// region.
func (m markers) contentSize() uint64 {
	return m.offsets[regionData] + m.lengths[regionData]
}

// capacity returns the bytes available to region i before the next region
// starts (or, for the data region, before the given total size ends).
func (m markers) capacity(i int, total uint64) uint64 {
	if i == regionData {
		return total - m.offsets[regionData]
	}
	return m.offsets[i+1] - m.offsets[i]
}
