package shmem

import (
	"fmt"
	"math"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Segment is one OS shared-memory allocation holding a columnar batch. The
// allocation starts with a markers block describing four content
// sub-regions (schema, header, metadata, data) and may end with terminal
// padding so that small growth does not force a reallocation.
//
// A Segment is not safe for concurrent use; the metaversion protocol
// (write content first, persist the version last) is what lets cooperating
// processes coordinate around it.
type Segment struct {
	file *os.File
	buf  []byte

	// Size is the current total allocation in bytes, including the markers
	// block and any terminal padding.
	Size int

	osID                   string
	includeTerminalPadding bool
	owner                  bool
}

func validateSize(size uint64) error {
	if size == 0 {
		return ErrEmptySegment
	}
	// List offsets in the columnar subset are i32, so nothing inside a
	// segment may sit beyond that range.
	if size > math.MaxInt32 {
		return &SegmentSizeError{Requested: size, Max: math.MaxInt32}
	}
	return nil
}

// FromSizes creates a new segment with empty sub-regions of the given
// lengths. Each region starts on an 8-byte boundary.
func FromSizes(id MemoryId, schemaLen, headerLen, metaLen, dataLen int, includeTerminalPadding bool) (*Segment, error) {
	m := newMarkers(uint64(schemaLen), uint64(headerLen), uint64(metaLen), uint64(dataLen))
	s, err := create(id.String(), m.contentSize(), includeTerminalPadding)
	if err != nil {
		return nil, err
	}
	m.write(s.buf)
	return s, nil
}

// FromBatchBuffers creates a new segment and fills its sub-regions with the
// given contents.
func FromBatchBuffers(id MemoryId, schema, header, meta, data []byte, includeTerminalPadding bool) (*Segment, error) {
	s, err := FromSizes(id, len(schema), len(header), len(meta), len(data), includeTerminalPadding)
	if err != nil {
		return nil, err
	}
	m, err := s.markers()
	if err != nil {
		s.Close()
		return nil, err
	}
	for i, src := range [][]byte{schema, header, meta, data} {
		copy(s.buf[m.offsets[i]:], src)
	}
	return s, nil
}

// OpenSegment maps an existing shared-memory object by its OS id.
func OpenSegment(osID string) (*Segment, error) {
	if !strings.Contains(osID, "shm_") {
		return nil, fmt.Errorf("%q is not a shared memory segment id", osID)
	}
	f, err := os.OpenFile(segmentPath(osID), os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", osID, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", osID, err)
	}
	size := uint64(info.Size())
	if err := validateSize(size); err != nil {
		f.Close()
		return nil, err
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment %s: %w", osID, err)
	}
	s := &Segment{file: f, buf: buf, Size: int(size), osID: osID}
	if _, err := s.markers(); err != nil {
		s.unmap()
		f.Close()
		return nil, err
	}
	registerSegment(osID)
	return s, nil
}

// Duplicate copies a segment byte-for-byte into a new shared-memory object.
func Duplicate(src *Segment, id MemoryId) (*Segment, error) {
	if src.buf == nil {
		return nil, ErrSegmentClosed
	}
	dst, err := create(id.String(), uint64(src.Size), false)
	if err != nil {
		return nil, err
	}
	dst.includeTerminalPadding = src.includeTerminalPadding
	copy(dst.buf, src.buf)
	return dst, nil
}

func create(osID string, contentSize uint64, includeTerminalPadding bool) (*Segment, error) {
	size := contentSize
	if includeTerminalPadding {
		size = dynamicBufferLength(size)
	}
	if err := validateSize(size); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(segmentPath(osID), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", osID, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("size segment %s to %d bytes: %w", osID, size, err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("map segment %s: %w", osID, err)
	}
	registerSegment(osID)
	return &Segment{
		file:                   f,
		buf:                    buf,
		Size:                   int(size),
		osID:                   osID,
		includeTerminalPadding: includeTerminalPadding,
		owner:                  true,
	}, nil
}

// ID returns the OS id of the shared-memory object backing this segment.
func (s *Segment) ID() string {
	return s.osID
}

func (s *Segment) markers() (markers, error) {
	if s.buf == nil {
		return markers{}, ErrSegmentClosed
	}
	return readMarkers(s.osID, s.buf)
}

// GetBatchBuffers returns views of the four content sub-regions, aliasing
// the mapped memory.
func (s *Segment) GetBatchBuffers() (Buffers, error) {
	m, err := s.markers()
	if err != nil {
		return Buffers{}, err
	}
	region := func(i int) []byte {
		return s.buf[m.offsets[i] : m.offsets[i]+m.lengths[i]]
	}
	return Buffers{
		schema: region(regionSchema),
		header: region(regionHeader),
		meta:   region(regionMeta),
		data:   region(regionData),
	}, nil
}

// GetDataBuffer returns the data sub-region, aliasing the mapped memory.
func (s *Segment) GetDataBuffer() ([]byte, error) {
	b, err := s.GetBatchBuffers()
	if err != nil {
		return nil, err
	}
	return b.data, nil
}

// GetMutDataBuffer returns the data sub-region for writing. The slice
// aliases the mapped memory.
func (s *Segment) GetMutDataBuffer() ([]byte, error) {
	return s.GetDataBuffer()
}

// GetDataBufferLen returns the current length of the data sub-region.
func (s *Segment) GetDataBufferLen() (int, error) {
	m, err := s.markers()
	if err != nil {
		return 0, err
	}
	return int(m.lengths[regionData]), nil
}

// SetSchema replaces the schema sub-region, shifting later regions if it no
// longer fits in place.
func (s *Segment) SetSchema(b []byte) (BufferChange, error) {
	return s.writeRegion(regionSchema, b)
}

// SetHeader replaces the header sub-region, shifting later regions if it no
// longer fits in place.
func (s *Segment) SetHeader(b []byte) (BufferChange, error) {
	return s.writeRegion(regionHeader, b)
}

// SetMetadata replaces the metadata sub-region, shifting the data region if
// it no longer fits in place.
func (s *Segment) SetMetadata(b []byte) (BufferChange, error) {
	return s.writeRegion(regionMeta, b)
}

// writeRegion writes b into region i. If b fits in the space before the
// next region starts, only the length marker changes. Otherwise the layout
// is recomputed, the allocation grown as needed, and every later region
// moved to its new offset (last first, so moves never clobber unmoved
// bytes).
func (s *Segment) writeRegion(i int, b []byte) (BufferChange, error) {
	old, err := s.markers()
	if err != nil {
		return BufferChange{}, err
	}
	n := uint64(len(b))
	if n <= old.capacity(i, uint64(s.Size)) {
		copy(s.buf[old.offsets[i]:], b)
		old.lengths[i] = n
		old.write(s.buf)
		return BufferChange{}, nil
	}

	lengths := old.lengths
	lengths[i] = n
	next := newMarkers(lengths[regionSchema], lengths[regionHeader], lengths[regionMeta], lengths[regionData])
	// Later regions keep their persisted offsets until this rewrite, so a
	// fresh layout may place region i further along than the old markers
	// say. Regions before i never move.
	for j := 0; j < i; j++ {
		next.offsets[j] = old.offsets[j]
	}
	next.offsets[i] = old.offsets[i]
	offset := pad8(old.offsets[i] + n)
	for j := i + 1; j < regionCount; j++ {
		next.offsets[j] = offset
		offset = pad8(offset + next.lengths[j])
	}

	change := BufferChange{shifted: true}
	if total := next.contentSize(); total > uint64(s.Size) {
		if err := s.Resize(int(total)); err != nil {
			return BufferChange{}, err
		}
		change.resized = true
	}
	for j := regionCount - 1; j > i; j-- {
		copy(s.buf[next.offsets[j]:next.offsets[j]+next.lengths[j]],
			s.buf[old.offsets[j]:old.offsets[j]+old.lengths[j]])
	}
	copy(s.buf[next.offsets[i]:], b)
	next.write(s.buf)
	return change, nil
}

// SetDataLength resizes the data sub-region to n bytes, growing the
// allocation when the current one cannot hold it. The data region is last,
// so nothing ever shifts.
func (s *Segment) SetDataLength(n int) (BufferChange, error) {
	m, err := s.markers()
	if err != nil {
		return BufferChange{}, err
	}
	change := BufferChange{}
	if uint64(n) > m.capacity(regionData, uint64(s.Size)) {
		if err := s.Resize(int(m.offsets[regionData] + uint64(n))); err != nil {
			return BufferChange{}, err
		}
		change.resized = true
	}
	m.lengths[regionData] = uint64(n)
	m.write(s.buf)
	return change, nil
}

// TargetTotalSizeAccommodatesDataSize reports whether a segment resized to
// targetTotal bytes could hold a data region of dataLen bytes under the
// current layout.
func (s *Segment) TargetTotalSizeAccommodatesDataSize(targetTotal, dataLen uint64) (bool, error) {
	m, err := s.markers()
	if err != nil {
		return false, err
	}
	return m.offsets[regionData]+dataLen <= targetTotal, nil
}

// TryReadPersistedMetaversion reads the metaversion stored in the header
// sub-region.
func (s *Segment) TryReadPersistedMetaversion() (Metaversion, error) {
	b, err := s.GetBatchBuffers()
	if err != nil {
		return Metaversion{}, err
	}
	if len(b.header) < MetaversionSize {
		return Metaversion{}, fmt.Errorf("segment %s: %w", s.osID, ErrHeaderTooSmall)
	}
	return MetaversionFromLEBytes(b.header)
}

// ReadPersistedMetaversion reads the persisted metaversion, panicking on a
// malformed segment. Use TryReadPersistedMetaversion where corruption is
// survivable.
func (s *Segment) ReadPersistedMetaversion() Metaversion {
	v, err := s.TryReadPersistedMetaversion()
	if err != nil {
		panic(err)
	}
	return v
}

// PersistMetaversion stores v in the header sub-region. Callers must write
// metadata and data before persisting the version that announces them.
func (s *Segment) PersistMetaversion(v Metaversion) error {
	b, err := s.GetBatchBuffers()
	if err != nil {
		return err
	}
	if len(b.header) < MetaversionSize {
		return fmt.Errorf("segment %s: %w", s.osID, ErrHeaderTooSmall)
	}
	copy(b.header, v.ToLEBytes())
	return nil
}

// Resize changes the total allocation to newSize bytes, remapping the
// segment. Shrinking requires platform support.
func (s *Segment) Resize(newSize int) error {
	if s.buf == nil {
		return ErrSegmentClosed
	}
	if err := validateSize(uint64(newSize)); err != nil {
		return err
	}
	if s.includeTerminalPadding {
		newSize = int(dynamicBufferLength(uint64(newSize)))
	}
	if newSize == s.Size {
		return nil
	}
	if newSize < s.Size && !SupportsShrink() {
		return fmt.Errorf("resize segment %s from %d to %d: %w", s.osID, s.Size, newSize, ErrShrinkUnsupported)
	}
	log.Trace().Str("segment", s.osID).Int("from", s.Size).Int("to", newSize).Msg("resizing shared memory segment")
	if err := s.unmap(); err != nil {
		return err
	}
	if err := s.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("resize segment %s to %d bytes: %w", s.osID, newSize, err)
	}
	return s.remap(newSize)
}

// Reload remaps the segment after another process resized it.
func (s *Segment) Reload() error {
	if s.buf == nil {
		return ErrSegmentClosed
	}
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat segment %s: %w", s.osID, err)
	}
	size := int(info.Size())
	if size == s.Size {
		return nil
	}
	if err := validateSize(uint64(size)); err != nil {
		return err
	}
	if err := s.unmap(); err != nil {
		return err
	}
	return s.remap(size)
}

func (s *Segment) remap(size int) error {
	buf, err := unix.Mmap(int(s.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("map segment %s: %w", s.osID, err)
	}
	s.buf = buf
	s.Size = size
	return nil
}

func (s *Segment) unmap() error {
	if s.buf == nil {
		return nil
	}
	if err := unix.Munmap(s.buf); err != nil {
		return fmt.Errorf("unmap segment %s: %w", s.osID, err)
	}
	s.buf = nil
	return nil
}

// Close unmaps the segment and, when this process created it, removes the
// backing object.
func (s *Segment) Close() error {
	if s.buf == nil && s.file == nil {
		return nil
	}
	err := s.unmap()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if s.owner {
		if rerr := os.Remove(segmentPath(s.osID)); err == nil && rerr != nil && !os.IsNotExist(rerr) {
			err = rerr
		}
	}
	unregisterSegment(s.osID)
	s.file = nil
	return err
}
