package shmem

import (
	"bytes"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSegment(t *testing.T, schema, header, meta, data []byte, pad bool) *Segment {
	t.Helper()
	s, err := FromBatchBuffers(NewMemoryId(uuid.New()), schema, header, meta, data, pad)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSegmentRoundTripsBuffers(t *testing.T) {
	schema := []byte("schema bytes")
	header := bytes.Repeat([]byte{0}, MetaversionSize)
	meta := []byte("metadata, longer than the schema")
	data := bytes.Repeat([]byte{0xab}, 100)

	s := newTestSegment(t, schema, header, meta, data, false)

	b, err := s.GetBatchBuffers()
	require.NoError(t, err)
	assert.Equal(t, schema, b.Schema())
	assert.Equal(t, header, b.Header())
	assert.Equal(t, meta, b.Meta())
	assert.Equal(t, data, b.Data())
}

func TestSegmentRejectsEmpty(t *testing.T) {
	// The markers block alone keeps any segment non-empty; the guard is on
	// the validated total, exercised directly.
	assert.ErrorIs(t, validateSize(0), ErrEmptySegment)

	var sizeErr *SegmentSizeError
	err := validateSize(1 << 40)
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, uint64(1<<40), sizeErr.Requested)
}

func TestOpenSegmentSharesWrites(t *testing.T) {
	s := newTestSegment(t, nil, make([]byte, MetaversionSize), []byte("meta"), []byte("data"), false)

	opened, err := OpenSegment(s.ID())
	require.NoError(t, err)
	defer opened.Close()

	buf, err := s.GetMutDataBuffer()
	require.NoError(t, err)
	copy(buf, "DATA")

	got, err := opened.GetDataBuffer()
	require.NoError(t, err)
	assert.Equal(t, []byte("DATA"), got)
}

func TestOpenSegmentRejectsForeignID(t *testing.T) {
	_, err := OpenSegment("not_a_segment")
	assert.Error(t, err)
}

func TestSetMetadataInPlace(t *testing.T) {
	s := newTestSegment(t, nil, make([]byte, MetaversionSize), []byte("12345678"), []byte("data"), false)

	change, err := s.SetMetadata([]byte("1234"))
	require.NoError(t, err)
	assert.False(t, change.Resized())
	assert.False(t, change.Shifted())

	b, err := s.GetBatchBuffers()
	require.NoError(t, err)
	assert.Equal(t, []byte("1234"), b.Meta())
	assert.Equal(t, []byte("data"), b.Data())
}

func TestSetMetadataGrowShiftsData(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, 64)
	s := newTestSegment(t, nil, make([]byte, MetaversionSize), []byte("tiny"), data, false)

	grown := bytes.Repeat([]byte{0x11}, 256)
	change, err := s.SetMetadata(grown)
	require.NoError(t, err)
	assert.True(t, change.Resized())
	assert.True(t, change.Shifted())

	b, err := s.GetBatchBuffers()
	require.NoError(t, err)
	assert.Equal(t, grown, b.Meta())
	assert.Equal(t, data, b.Data())
}

func TestSetSchemaGrowShiftsAllLaterRegions(t *testing.T) {
	s := newTestSegment(t, []byte("s"), make([]byte, MetaversionSize), []byte("meta"), []byte("data"), false)

	want, err := NewMetaversion(1, 2)
	require.NoError(t, err)
	require.NoError(t, s.PersistMetaversion(want))

	schema := bytes.Repeat([]byte{0x42}, 128)
	change, err := s.SetSchema(schema)
	require.NoError(t, err)
	assert.True(t, change.Shifted())

	// The header moved with its region, so the persisted metaversion
	// survives the shift.
	b, err := s.GetBatchBuffers()
	require.NoError(t, err)
	assert.Equal(t, schema, b.Schema())
	assert.Equal(t, []byte("meta"), b.Meta())
	assert.Equal(t, []byte("data"), b.Data())
	got, err := s.TryReadPersistedMetaversion()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSetDataLengthGrows(t *testing.T) {
	s := newTestSegment(t, nil, make([]byte, MetaversionSize), nil, []byte("data"), false)

	change, err := s.SetDataLength(2)
	require.NoError(t, err)
	assert.False(t, change.Resized())
	n, err := s.GetDataBufferLen()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	change, err = s.SetDataLength(4096)
	require.NoError(t, err)
	assert.True(t, change.Resized())
	n, err = s.GetDataBufferLen()
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
}

func TestPersistMetaversionRoundTrip(t *testing.T) {
	s := newTestSegment(t, nil, make([]byte, MetaversionSize), nil, []byte("data"), false)

	v := s.ReadPersistedMetaversion()
	assert.Equal(t, uint32(0), v.Batch())

	want, err := NewMetaversion(3, 5)
	require.NoError(t, err)
	require.NoError(t, s.PersistMetaversion(want))

	got, err := s.TryReadPersistedMetaversion()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPersistMetaversionHeaderTooSmall(t *testing.T) {
	s := newTestSegment(t, nil, make([]byte, 4), nil, []byte("data"), false)

	err := s.PersistMetaversion(Metaversion{})
	assert.ErrorIs(t, err, ErrHeaderTooSmall)

	_, err = s.TryReadPersistedMetaversion()
	assert.ErrorIs(t, err, ErrHeaderTooSmall)
}

func TestTerminalPaddingRoundsUp(t *testing.T) {
	s := newTestSegment(t, nil, make([]byte, MetaversionSize), []byte("meta"), []byte("data"), true)

	assert.Zero(t, s.Size%pageSize)

	m, err := s.markers()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint64(s.Size), m.contentSize())

	// Growth within the padding must not reallocate.
	change, err := s.SetDataLength(s.Size - int(m.offsets[regionData]))
	require.NoError(t, err)
	assert.False(t, change.Resized())
}

func TestResizeShrinkGuard(t *testing.T) {
	defer SetSupportsShrink(SupportsShrink())

	s := newTestSegment(t, nil, make([]byte, MetaversionSize), nil, bytes.Repeat([]byte{1}, 4096), false)

	SetSupportsShrink(false)
	err := s.Resize(s.Size / 2)
	assert.ErrorIs(t, err, ErrShrinkUnsupported)

	SetSupportsShrink(true)
	require.NoError(t, s.Resize(s.Size/2))
}

func TestReloadTracksExternalResize(t *testing.T) {
	s := newTestSegment(t, nil, make([]byte, MetaversionSize), nil, []byte("data"), false)

	other, err := OpenSegment(s.ID())
	require.NoError(t, err)
	defer other.Close()

	_, err = s.SetDataLength(8192)
	require.NoError(t, err)

	require.NoError(t, other.Reload())
	assert.Equal(t, s.Size, other.Size)
	n, err := other.GetDataBufferLen()
	require.NoError(t, err)
	assert.Equal(t, 8192, n)
}

func TestDuplicateCopies(t *testing.T) {
	s := newTestSegment(t, []byte("schema"), make([]byte, MetaversionSize), []byte("meta"), []byte("data"), false)

	dup, err := Duplicate(s, NewMemoryId(uuid.New()))
	require.NoError(t, err)
	defer dup.Close()

	require.NotEqual(t, s.ID(), dup.ID())

	want, err := s.GetBatchBuffers()
	require.NoError(t, err)
	got, err := dup.GetBatchBuffers()
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())
	assert.Equal(t, want.Meta(), got.Meta())

	// The copy is independent.
	buf, err := dup.GetMutDataBuffer()
	require.NoError(t, err)
	copy(buf, "DIFF")
	after, err := s.GetDataBuffer()
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), after)
}

func TestOpenSegmentRejectsCorruptMarkers(t *testing.T) {
	s := newTestSegment(t, nil, make([]byte, MetaversionSize), nil, []byte("data"), false)

	// Scribble over the markers block through the backing file.
	f, err := os.OpenFile(segmentPath(s.ID()), os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0xff}, markersSize), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenSegment(s.ID())
	var markersErr *MarkersError
	assert.ErrorAs(t, err, &markersErr)
}

func TestCleanupByBaseID(t *testing.T) {
	base := uuid.New()
	s, err := FromBatchBuffers(NewMemoryId(base), nil, make([]byte, MetaversionSize), nil, []byte("data"), false)
	require.NoError(t, err)

	path := segmentPath(s.ID())
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, CleanupByBaseID(base))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NotContains(t, InUseSegments(), s.ID())
}

func TestUseAfterClose(t *testing.T) {
	s, err := FromBatchBuffers(NewMemoryId(uuid.New()), nil, make([]byte, MetaversionSize), nil, []byte("data"), false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.GetBatchBuffers()
	assert.ErrorIs(t, err, ErrSegmentClosed)
	assert.ErrorIs(t, s.Resize(100), ErrSegmentClosed)
}

func BenchmarkSetDataLengthWithinPadding(b *testing.B) {
	s, err := FromBatchBuffers(NewMemoryId(uuid.New()), nil, make([]byte, MetaversionSize), nil, make([]byte, 1<<16), true)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.SetDataLength(1<<16 + i%128); err != nil {
			b.Fatal(err)
		}
	}
}
