package batch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/nmxmxh/shmbatch/ipc"
	"github.com/nmxmxh/shmbatch/shmem"
)

// Message batches are rewritten every simulation step, so their segments
// get sized by a heuristic rather than exact contents: never below
// lowerBoundBytes, and shrunk towards upperBoundBytesPerAgent per agent
// when a previous step left the allocation much larger.
const (
	lowerBoundBytes         = 10000
	upperBoundBytesPerAgent = 1000
)

// MessageBatch holds one step's outgoing messages, one row per agent. Rows
// align with the agent batch it was created from.
type MessageBatch struct {
	batch  *ArrowBatch
	schema *MessageSchema
}

// EmptyFromAgentBatch creates a message batch with an empty outbox for
// every agent in agents.
func EmptyFromAgentBatch(id shmem.MemoryId, agents *AgentBatch, schema *MessageSchema) (*MessageBatch, error) {
	ids, err := agents.AgentIDs()
	if err != nil {
		return nil, err
	}
	rec, err := emptyMessageRecord(schema, ids)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return MessageBatchFromRecord(id, rec, schema)
}

// FromAgentStates creates a message batch with an empty outbox for every
// agent in states.
func FromAgentStates(id shmem.MemoryId, states AgentStates, schema *MessageSchema) (*MessageBatch, error) {
	rec, err := states.ToMessageRecordBatch(schema)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return MessageBatchFromRecord(id, rec, schema)
}

// MessageBatchFromRecord writes an existing message record into a fresh
// segment.
func MessageBatchFromRecord(id shmem.MemoryId, rec arrow.Record, schema *MessageSchema) (*MessageBatch, error) {
	if !rec.Schema().Equal(schema.Schema) {
		return nil, fmt.Errorf("record schema %s is not the message schema", rec.Schema())
	}
	inner, err := NewFromRecord(id, rec, schema.Static)
	if err != nil {
		return nil, err
	}
	return &MessageBatch{batch: inner, schema: schema}, nil
}

// MessageBatchFromSegment loads the message batch persisted in an existing
// segment.
func MessageBatchFromSegment(seg *shmem.Segment, schema *MessageSchema) (*MessageBatch, error) {
	inner, err := FromSegment(seg, schema.Schema, schema.Static)
	if err != nil {
		return nil, err
	}
	return &MessageBatch{batch: inner, schema: schema}, nil
}

// Batch returns the underlying batch.
func (m *MessageBatch) Batch() *ArrowBatch {
	return m.batch
}

// Segment returns the segment backing this batch.
func (m *MessageBatch) Segment() *shmem.Segment {
	return m.batch.Segment()
}

// Reset empties every outbox and re-aligns the rows with agents, reusing
// the existing segment. The caller must hold the current version (no other
// process may have persisted a newer memory generation) and must have no
// queued column changes.
func (m *MessageBatch) Reset(agents *AgentBatch) error {
	seg := m.batch.segment
	persisted, err := seg.TryReadPersistedMetaversion()
	if err != nil {
		return err
	}
	if persisted.Memory() != m.batch.loaded.Memory() {
		return &StaleVersionError{MemoryID: seg.ID(), Persisted: persisted, Loaded: m.batch.loaded}
	}
	if m.batch.HasQueuedChanges() {
		return fmt.Errorf("reset message batch %s: %w", seg.ID(), ErrQueuedChanges)
	}

	ids, err := agents.AgentIDs()
	if err != nil {
		return err
	}
	rec, err := emptyMessageRecord(m.schema, ids)
	if err != nil {
		return err
	}
	defer rec.Release()

	hd, err := ipc.CalculateHeaderData(rec)
	if err != nil {
		return err
	}
	meta := ipc.WriteRecordBatchMessageHeader(hd)

	// Shrink allocations a previous, busier step left oversized.
	resized := false
	if shmem.SupportsShrink() && seg.Size > lowerBoundBytes {
		target := len(ids) * upperBoundBytesPerAgent
		fits, err := seg.TargetTotalSizeAccommodatesDataSize(uint64(target), uint64(hd.BodyLength))
		if err != nil {
			return err
		}
		if seg.Size > target && fits {
			// Truncate the data-length marker first: the old body may
			// extend past the shrink target, and markers must stay within
			// bounds across the resize.
			if _, err := seg.SetDataLength(int(hd.BodyLength)); err != nil {
				return err
			}
			if err := seg.Resize(target); err != nil {
				return err
			}
			resized = true
		}
	}

	metaChange, err := seg.SetMetadata(meta)
	if err != nil {
		return err
	}
	dataChange, err := seg.SetDataLength(int(hd.BodyLength))
	if err != nil {
		return err
	}
	if metaChange.Resized() || dataChange.Resized() {
		resized = true
		log.Info().Str("segment", seg.ID()).Int("agents", len(ids)).
			Msg("message batch reset grew its segment unexpectedly")
	}

	// An empty batch's layout is a pure function of the agent count; drift
	// in the rewritten header means the segment was corrupted underneath.
	rb, _, err := ipc.ReadRecordBatchMessage(seg)
	if err != nil {
		return &CorruptSegmentError{MemoryID: seg.ID(), Err: err}
	}
	if !m.schema.Static.MatchesMessage(rb) {
		return &CorruptSegmentError{
			MemoryID: seg.ID(),
			Err: fmt.Errorf("rewritten header has %d nodes and %d buffers, schema prescribes %d and %d",
				rb.NodesLength(), rb.BuffersLength(), m.schema.Static.NodeCount, m.schema.Static.BufferCount),
		}
	}

	dst, err := seg.GetMutDataBuffer()
	if err != nil {
		return err
	}
	if _, err := ipc.WriteRecordBatchBody(rec, dst); err != nil {
		return err
	}

	if resized {
		persisted.Increment()
	} else {
		persisted.IncrementBatch()
	}
	if err := seg.PersistMetaversion(persisted); err != nil {
		return err
	}
	return m.batch.reloadRecord(persisted)
}

// Messages decodes the whole message column into native values, indexed by
// agent row.
func (m *MessageBatch) Messages() ([][]Message, error) {
	l, err := m.Loader()
	if err != nil {
		return nil, err
	}
	out := make([][]Message, l.NumAgents())
	for agent := range out {
		n := l.NumMessages(agent)
		msgs := make([]Message, n)
		for j := 0; j < n; j++ {
			msgs[j] = Message{
				To:   l.Recipients(agent, j),
				Kind: l.Kind(agent, j),
				Data: l.Data(agent, j),
			}
		}
		out[agent] = msgs
	}
	return out, nil
}

// Loader returns a zero-copy reader over the loaded message columns.
func (m *MessageBatch) Loader() (*MessageLoader, error) {
	rec, err := m.batch.RecordBatch()
	if err != nil {
		return nil, err
	}
	return NewMessageLoader(rec)
}

// Close releases the loaded record and the segment.
func (m *MessageBatch) Close() error {
	return m.batch.Close()
}

func emptyMessageRecord(schema *MessageSchema, ids []uuid.UUID) (arrow.Record, error) {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema.Schema)
	defer b.Release()

	fromb := b.Field(0).(*array.FixedSizeBinaryBuilder)
	msgsb := b.Field(1).(*array.ListBuilder)
	for i := range ids {
		fromb.Append(ids[i][:])
		msgsb.Append(true) // zero-length outbox
	}
	return b.NewRecord(), nil
}
