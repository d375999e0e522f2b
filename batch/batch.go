package batch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/nmxmxh/shmbatch/ipc"
	"github.com/nmxmxh/shmbatch/shmem"
)

// ColumnChange is a pending replacement of one column, applied on the next
// FlushChanges.
type ColumnChange struct {
	Index  int
	Column arrow.Array
}

// ArrowBatch is a record batch living in a shared-memory segment. The
// record's buffers alias the mapped segment; the loaded metaversion tracks
// which persisted state that mapping reflects.
//
// Writes follow the metaversion protocol: metadata and data first, the
// persisted version last, so another process never reads a version that
// announces bytes not yet written.
type ArrowBatch struct {
	segment *shmem.Segment
	record  arrow.Record
	schema  *arrow.Schema

	static  ipc.StaticMetadata
	dynamic ipc.DynamicMetadata

	loaded shmem.Metaversion
	queued []ColumnChange
}

// NewFromRecord writes rec into a fresh segment and returns a batch loaded
// from it. The record handed in is not retained; the returned batch's
// record aliases the segment.
func NewFromRecord(id shmem.MemoryId, rec arrow.Record, static ipc.StaticMetadata) (*ArrowBatch, error) {
	hd, err := ipc.CalculateHeaderData(rec)
	if err != nil {
		return nil, err
	}
	if !static.MatchesHeader(hd) {
		return nil, fmt.Errorf("record serializes to %d nodes and %d buffers, schema prescribes %d and %d",
			len(hd.Nodes), len(hd.Buffers), static.NodeCount, static.BufferCount)
	}
	meta := ipc.WriteRecordBatchMessageHeader(hd)

	seg, err := shmem.FromSizes(id, 0, shmem.MetaversionSize, len(meta), int(hd.BodyLength), true)
	if err != nil {
		return nil, err
	}
	if _, err := seg.SetMetadata(meta); err != nil {
		seg.Close()
		return nil, err
	}
	dst, err := seg.GetMutDataBuffer()
	if err != nil {
		seg.Close()
		return nil, err
	}
	if _, err := ipc.WriteRecordBatchBody(rec, dst); err != nil {
		seg.Close()
		return nil, err
	}
	if err := seg.PersistMetaversion(shmem.Metaversion{}); err != nil {
		seg.Close()
		return nil, err
	}

	loaded, err := ipc.ReadRecordBatch(seg, rec.Schema())
	if err != nil {
		seg.Close()
		return nil, err
	}
	return &ArrowBatch{
		segment: seg,
		record:  loaded,
		schema:  rec.Schema(),
		static:  static,
		dynamic: ipc.DynamicMetadata{Header: hd, DataLength: int(hd.BodyLength)},
	}, nil
}

// FromSegment loads the batch persisted in an existing segment. Contents
// that do not decode against the schema yield CorruptSegmentError.
func FromSegment(seg *shmem.Segment, schema *arrow.Schema, static ipc.StaticMetadata) (*ArrowBatch, error) {
	rb, bodyLength, err := ipc.ReadRecordBatchMessage(seg)
	if err != nil {
		return nil, &CorruptSegmentError{MemoryID: seg.ID(), Err: err}
	}
	if !static.MatchesMessage(rb) {
		return nil, &CorruptSegmentError{
			MemoryID: seg.ID(),
			Err: fmt.Errorf("header has %d nodes and %d buffers, schema prescribes %d and %d",
				rb.NodesLength(), rb.BuffersLength(), static.NodeCount, static.BufferCount),
		}
	}
	rec, err := ipc.ReadRecordBatch(seg, schema)
	if err != nil {
		return nil, &CorruptSegmentError{MemoryID: seg.ID(), Err: err}
	}
	persisted, err := seg.TryReadPersistedMetaversion()
	if err != nil {
		rec.Release()
		return nil, err
	}
	hd := ipc.HeaderDataFromMessage(rb, bodyLength)
	return &ArrowBatch{
		segment: seg,
		record:  rec,
		schema:  schema,
		static:  static,
		dynamic: ipc.DynamicMetadata{Header: hd, DataLength: int(bodyLength)},
		loaded:  persisted,
	}, nil
}

// Segment returns the segment backing this batch.
func (b *ArrowBatch) Segment() *shmem.Segment {
	return b.segment
}

// Schema returns the batch's schema.
func (b *ArrowBatch) Schema() *arrow.Schema {
	return b.schema
}

// LoadedMetaversion returns the persisted state this process has loaded.
func (b *ArrowBatch) LoadedMetaversion() shmem.Metaversion {
	return b.loaded
}

// DynamicMetadata returns the currently loaded layout.
func (b *ArrowBatch) DynamicMetadata() ipc.DynamicMetadata {
	return b.dynamic
}

// RecordBatch returns the loaded record, failing when another process has
// persisted a newer version.
func (b *ArrowBatch) RecordBatch() (arrow.Record, error) {
	persisted, err := b.segment.TryReadPersistedMetaversion()
	if err != nil {
		return nil, err
	}
	if b.loaded.OlderThan(persisted) {
		return nil, &StaleVersionError{MemoryID: b.segment.ID(), Persisted: persisted, Loaded: b.loaded}
	}
	return b.record, nil
}

// NumRows returns the loaded record's row count.
func (b *ArrowBatch) NumRows() int {
	return int(b.record.NumRows())
}

// HasQueuedChanges reports whether column changes await a flush.
func (b *ArrowBatch) HasQueuedChanges() bool {
	return len(b.queued) > 0
}

// PushChange queues a column replacement for the next FlushChanges. The
// replacement must match the column's type and the batch's row count.
func (b *ArrowBatch) PushChange(change ColumnChange) error {
	if change.Index < 0 || change.Index >= b.schema.NumFields() {
		return fmt.Errorf("column index %d outside schema of %d fields", change.Index, b.schema.NumFields())
	}
	want := b.schema.Field(change.Index).Type
	if !arrow.TypeEqual(want, change.Column.DataType()) {
		return fmt.Errorf("column %d is %s, replacement is %s", change.Index, want, change.Column.DataType())
	}
	if change.Column.Len() != b.NumRows() {
		return fmt.Errorf("replacement has %d rows, batch has %d", change.Column.Len(), b.NumRows())
	}
	b.queued = append(b.queued, change)
	return nil
}

// FlushChanges writes every queued column change into the segment, bumps
// the persisted metaversion (the memory counter only when the allocation
// physically changed), and reloads so that loaded == persisted.
func (b *ArrowBatch) FlushChanges() error {
	persisted, err := b.segment.TryReadPersistedMetaversion()
	if err != nil {
		return err
	}
	if b.loaded.OlderThan(persisted) {
		return &StaleVersionError{MemoryID: b.segment.ID(), Persisted: persisted, Loaded: b.loaded}
	}

	cols := make([]arrow.Array, b.schema.NumFields())
	for i := range cols {
		cols[i] = b.record.Column(i)
	}
	for _, change := range b.queued {
		cols[change.Index] = change.Column
	}
	next := array.NewRecord(b.schema, cols, b.record.NumRows())
	defer next.Release()

	resized, err := b.writeRecord(next)
	if err != nil {
		return err
	}
	if resized {
		persisted.Increment()
	} else {
		persisted.IncrementBatch()
	}
	if err := b.segment.PersistMetaversion(persisted); err != nil {
		return err
	}
	b.queued = nil
	return b.reloadRecord(persisted)
}

// writeRecord serializes rec into the segment's metadata and data regions,
// reporting whether the allocation was resized. The persisted metaversion
// is untouched; callers bump and persist it afterwards.
func (b *ArrowBatch) writeRecord(rec arrow.Record) (resized bool, err error) {
	hd, err := ipc.CalculateHeaderData(rec)
	if err != nil {
		return false, err
	}
	meta := ipc.WriteRecordBatchMessageHeader(hd)

	// rec's unchanged columns alias the segment. Serialize before touching
	// it: a metadata rewrite can shift the data region and a grow remaps
	// the whole allocation.
	body := make([]byte, hd.BodyLength)
	if _, err := ipc.WriteRecordBatchBody(rec, body); err != nil {
		return false, err
	}

	metaChange, err := b.segment.SetMetadata(meta)
	if err != nil {
		return false, err
	}
	dataChange, err := b.segment.SetDataLength(int(hd.BodyLength))
	if err != nil {
		return false, err
	}
	dst, err := b.segment.GetMutDataBuffer()
	if err != nil {
		return false, err
	}
	copy(dst, body)
	b.dynamic = ipc.DynamicMetadata{Header: hd, DataLength: int(hd.BodyLength)}
	return metaChange.Resized() || dataChange.Resized(), nil
}

// Reload re-decodes the record from the segment, remapping first if the
// allocation changed underneath us.
func (b *ArrowBatch) Reload() error {
	if err := b.segment.Reload(); err != nil {
		return err
	}
	persisted, err := b.segment.TryReadPersistedMetaversion()
	if err != nil {
		return err
	}
	return b.reloadRecord(persisted)
}

// MaybeReload reloads only when the persisted version is newer than the
// loaded one, reporting whether anything was done. A newer memory counter
// forces a remap; a batch-only change just re-decodes.
func (b *ArrowBatch) MaybeReload() (bool, error) {
	persisted, err := b.segment.TryReadPersistedMetaversion()
	if err != nil {
		return false, err
	}
	if !b.loaded.OlderThan(persisted) {
		return false, nil
	}
	if persisted.Memory() > b.loaded.Memory() {
		if err := b.segment.Reload(); err != nil {
			return false, err
		}
		// The remap may expose an even newer persisted version.
		if persisted, err = b.segment.TryReadPersistedMetaversion(); err != nil {
			return false, err
		}
	}
	return true, b.reloadRecord(persisted)
}

func (b *ArrowBatch) reloadRecord(persisted shmem.Metaversion) error {
	rb, bodyLength, err := ipc.ReadRecordBatchMessage(b.segment)
	if err != nil {
		return &CorruptSegmentError{MemoryID: b.segment.ID(), Err: err}
	}
	rec, err := ipc.ReadRecordBatch(b.segment, b.schema)
	if err != nil {
		return &CorruptSegmentError{MemoryID: b.segment.ID(), Err: err}
	}
	if b.record != nil {
		b.record.Release()
	}
	b.record = rec
	b.dynamic = ipc.DynamicMetadata{Header: ipc.HeaderDataFromMessage(rb, bodyLength), DataLength: int(bodyLength)}
	b.loaded = persisted
	return nil
}

// Close releases the loaded record and the segment.
func (b *ArrowBatch) Close() error {
	if b.record != nil {
		b.record.Release()
		b.record = nil
	}
	return b.segment.Close()
}
