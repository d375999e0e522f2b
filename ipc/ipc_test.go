package ipc

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/shmbatch/shmem"
)

func testSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: &arrow.FixedSizeBinaryType{ByteWidth: 16}},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "tags", Type: arrow.ListOf(arrow.StructOf(
			arrow.Field{Name: "key", Type: arrow.BinaryTypes.String},
			arrow.Field{Name: "weight", Type: arrow.PrimitiveTypes.Float64},
		))},
	}, nil)
}

func buildTestRecord(t *testing.T, rows int) arrow.Record {
	t.Helper()
	b := array.NewRecordBuilder(memory.DefaultAllocator, testSchema())
	defer b.Release()

	idb := b.Field(0).(*array.FixedSizeBinaryBuilder)
	nameb := b.Field(1).(*array.StringBuilder)
	tagsb := b.Field(2).(*array.ListBuilder)
	structb := tagsb.ValueBuilder().(*array.StructBuilder)
	keyb := structb.FieldBuilder(0).(*array.StringBuilder)
	weightb := structb.FieldBuilder(1).(*array.Float64Builder)

	for i := 0; i < rows; i++ {
		id := uuid.New()
		idb.Append(id[:])
		nameb.Append(id.String()[:8])
		tagsb.Append(true)
		for j := 0; j <= i%3; j++ {
			structb.Append(true)
			keyb.Append("tag")
			weightb.Append(float64(j))
		}
	}
	return b.NewRecord()
}

func TestCalculateHeaderDataMatchesStaticCounts(t *testing.T) {
	rec := buildTestRecord(t, 5)
	defer rec.Release()

	hd, err := CalculateHeaderData(rec)
	require.NoError(t, err)

	static, err := NewStaticMetadata(testSchema())
	require.NoError(t, err)
	assert.True(t, static.MatchesHeader(hd))
	assert.Equal(t, int64(5), hd.Length)

	// id, name, tags, struct, key, weight
	assert.Equal(t, 6, static.NodeCount)
	// validity per node, offsets for name/tags/key, values for id/name/key/weight
	assert.Equal(t, 13, static.BufferCount)
}

func TestHeaderDataAlignment(t *testing.T) {
	rec := buildTestRecord(t, 7)
	defer rec.Release()

	hd, err := CalculateHeaderData(rec)
	require.NoError(t, err)

	var end int64
	for _, b := range hd.Buffers {
		assert.Zero(t, b.Offset%8)
		assert.GreaterOrEqual(t, b.Offset, end)
		end = b.Offset + b.Length
	}
	assert.Equal(t, pad8(end), hd.BodyLength)
}

func TestHeaderDataStableAcrossRecalculation(t *testing.T) {
	rec := buildTestRecord(t, 4)
	defer rec.Release()

	first, err := CalculateHeaderData(rec)
	require.NoError(t, err)
	second, err := CalculateHeaderData(rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCalculateHeaderDataRejectsSlicedArrays(t *testing.T) {
	rec := buildTestRecord(t, 4)
	defer rec.Release()

	sliced := rec.NewSlice(1, 3)
	defer sliced.Release()

	_, err := CalculateHeaderData(sliced)
	assert.ErrorIs(t, err, ErrSlicedArray)
}

func TestMessageHeaderRoundTrip(t *testing.T) {
	rec := buildTestRecord(t, 3)
	defer rec.Release()

	hd, err := CalculateHeaderData(rec)
	require.NoError(t, err)

	meta := WriteRecordBatchMessageHeader(hd)
	assert.Zero(t, len(meta)%8)

	rb, bodyLength, err := ParseRecordBatchMessage(meta)
	require.NoError(t, err)
	assert.Equal(t, hd.BodyLength, bodyLength)
	assert.Equal(t, hd, HeaderDataFromMessage(rb, bodyLength))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, _, err := ParseRecordBatchMessage([]byte("no"))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, _, err = ParseRecordBatchMessage(make([]byte, 64))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSegmentRoundTrip(t *testing.T) {
	rec := buildTestRecord(t, 6)
	defer rec.Release()

	hd, err := CalculateHeaderData(rec)
	require.NoError(t, err)
	meta := WriteRecordBatchMessageHeader(hd)

	seg, err := shmem.FromSizes(shmem.NewMemoryId(uuid.New()),
		0, shmem.MetaversionSize, len(meta), int(hd.BodyLength), true)
	require.NoError(t, err)
	defer seg.Close()

	_, err = seg.SetMetadata(meta)
	require.NoError(t, err)
	dst, err := seg.GetMutDataBuffer()
	require.NoError(t, err)
	written, err := WriteRecordBatchBody(rec, dst)
	require.NoError(t, err)
	assert.Equal(t, hd, written)

	got, err := ReadRecordBatch(seg, testSchema())
	require.NoError(t, err)
	defer got.Release()
	assert.True(t, array.RecordEqual(rec, got))
}

func TestReadRecordBatchEmptyRows(t *testing.T) {
	rec := buildTestRecord(t, 0)
	defer rec.Release()

	hd, err := CalculateHeaderData(rec)
	require.NoError(t, err)
	meta := WriteRecordBatchMessageHeader(hd)

	seg, err := shmem.FromSizes(shmem.NewMemoryId(uuid.New()),
		0, shmem.MetaversionSize, len(meta), int(hd.BodyLength), false)
	require.NoError(t, err)
	defer seg.Close()

	_, err = seg.SetMetadata(meta)
	require.NoError(t, err)
	dst, err := seg.GetMutDataBuffer()
	require.NoError(t, err)
	_, err = WriteRecordBatchBody(rec, dst)
	require.NoError(t, err)

	got, err := ReadRecordBatch(seg, testSchema())
	require.NoError(t, err)
	defer got.Release()
	assert.Zero(t, got.NumRows())
}
