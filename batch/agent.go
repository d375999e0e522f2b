package batch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/nmxmxh/shmbatch/shmem"
)

// AgentState is the native form of one agent row.
type AgentState struct {
	ID   uuid.UUID
	Name string
}

// AgentStates converts native agent rows into record batches.
type AgentStates []AgentState

// IntoRecordBatch is anything that can materialize itself as a record of a
// given schema.
type IntoRecordBatch interface {
	ToRecordBatch(schema *arrow.Schema) (arrow.Record, error)
}

// ToRecordBatch builds a record for the default agent schema.
func (s AgentStates) ToRecordBatch(schema *arrow.Schema) (arrow.Record, error) {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for i := 0; i < schema.NumFields(); i++ {
		switch schema.Field(i).Name {
		case AgentIDCol:
			idb := b.Field(i).(*array.FixedSizeBinaryBuilder)
			for _, a := range s {
				id := a.ID
				idb.Append(id[:])
			}
		case "agent_name":
			nameb := b.Field(i).(*array.StringBuilder)
			for _, a := range s {
				nameb.Append(a.Name)
			}
		default:
			return nil, fmt.Errorf("agent states cannot fill column %q", schema.Field(i).Name)
		}
	}
	return b.NewRecord(), nil
}

// ToMessageRecordBatch builds a message record for these agents: their ids
// in the sender column and an empty outbox per row.
func (s AgentStates) ToMessageRecordBatch(schema *MessageSchema) (arrow.Record, error) {
	ids := make([]uuid.UUID, len(s))
	for i, a := range s {
		ids[i] = a.ID
	}
	return emptyMessageRecord(schema, ids)
}

// AgentBatch is an agent-state batch in shared memory. Message batches only
// need its row count and id column, which is all this exposes.
type AgentBatch struct {
	batch  *ArrowBatch
	schema *AgentSchema
}

// NewAgentBatch writes states into a fresh segment under the given schema.
func NewAgentBatch(id shmem.MemoryId, states IntoRecordBatch, schema *AgentSchema) (*AgentBatch, error) {
	rec, err := states.ToRecordBatch(schema.Schema)
	if err != nil {
		return nil, err
	}
	defer rec.Release()
	return AgentBatchFromRecord(id, rec, schema)
}

// AgentBatchFromRecord writes an existing agent record into a fresh
// segment.
func AgentBatchFromRecord(id shmem.MemoryId, rec arrow.Record, schema *AgentSchema) (*AgentBatch, error) {
	inner, err := NewFromRecord(id, rec, schema.Static)
	if err != nil {
		return nil, err
	}
	return &AgentBatch{batch: inner, schema: schema}, nil
}

// AgentBatchFromSegment loads the agent batch persisted in an existing
// segment.
func AgentBatchFromSegment(seg *shmem.Segment, schema *AgentSchema) (*AgentBatch, error) {
	inner, err := FromSegment(seg, schema.Schema, schema.Static)
	if err != nil {
		return nil, err
	}
	return &AgentBatch{batch: inner, schema: schema}, nil
}

// Batch returns the underlying batch.
func (b *AgentBatch) Batch() *ArrowBatch {
	return b.batch
}

// NumAgents returns the number of agent rows.
func (b *AgentBatch) NumAgents() int {
	return b.batch.NumRows()
}

// IDColumn returns the agent id column of the loaded record.
func (b *AgentBatch) IDColumn() (*array.FixedSizeBinary, error) {
	rec, err := b.batch.RecordBatch()
	if err != nil {
		return nil, err
	}
	col, ok := rec.Column(b.schema.IDIndex).(*array.FixedSizeBinary)
	if !ok {
		return nil, fmt.Errorf("column %d is %s, want FixedSizeBinary", b.schema.IDIndex, rec.Column(b.schema.IDIndex).DataType())
	}
	return col, nil
}

// AgentIDs returns the agent ids of the loaded record.
func (b *AgentBatch) AgentIDs() ([]uuid.UUID, error) {
	col, err := b.IDColumn()
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, col.Len())
	for i := range ids {
		copy(ids[i][:], col.Value(i))
	}
	return ids, nil
}

// Close releases the loaded record and the segment.
func (b *AgentBatch) Close() error {
	return b.batch.Close()
}
