package batch

import (
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/shmbatch/shmem"
)

func stringColumn(t *testing.T, values ...string) arrow.Array {
	t.Helper()
	b := array.NewStringBuilder(memory.DefaultAllocator)
	defer b.Release()
	for _, v := range values {
		b.Append(v)
	}
	return b.NewArray()
}

func TestFlushChangesReplacesColumn(t *testing.T) {
	states := testAgentStates(3)
	agents := newTestAgentBatch(t, states)
	b := agents.Batch()

	renamed := stringColumn(t, "x", "y", "z")
	defer renamed.Release()
	require.NoError(t, b.PushChange(ColumnChange{Index: 1, Column: renamed}))
	require.True(t, b.HasQueuedChanges())

	before := b.LoadedMetaversion()
	require.NoError(t, b.FlushChanges())
	require.False(t, b.HasQueuedChanges())

	persisted := b.Segment().ReadPersistedMetaversion()
	assert.True(t, before.OlderThan(persisted))
	assert.Equal(t, persisted, b.LoadedMetaversion())

	rec, err := b.RecordBatch()
	require.NoError(t, err)
	names := rec.Column(1).(*array.String)
	assert.Equal(t, "y", names.Value(1))

	// Agent ids are untouched.
	ids, err := agents.AgentIDs()
	require.NoError(t, err)
	assert.Equal(t, states[2].ID, ids[2])
}

func TestFlushChangesGrowBumpsMemoryGeneration(t *testing.T) {
	agents := newTestAgentBatch(t, testAgentStates(3))
	b := agents.Batch()

	big := strings.Repeat("n", 1<<16)
	huge := stringColumn(t, big, big, big)
	defer huge.Release()
	require.NoError(t, b.PushChange(ColumnChange{Index: 1, Column: huge}))

	before := b.Segment().ReadPersistedMetaversion()
	require.NoError(t, b.FlushChanges())
	after := b.Segment().ReadPersistedMetaversion()
	assert.Greater(t, after.Memory(), before.Memory())
}

func TestFlushChangesInPlaceKeepsMemoryGeneration(t *testing.T) {
	agents := newTestAgentBatch(t, testAgentStates(3))
	b := agents.Batch()

	same := stringColumn(t, "a", "b", "c")
	defer same.Release()
	require.NoError(t, b.PushChange(ColumnChange{Index: 1, Column: same}))

	before := b.Segment().ReadPersistedMetaversion()
	require.NoError(t, b.FlushChanges())
	after := b.Segment().ReadPersistedMetaversion()
	assert.Equal(t, before.Memory(), after.Memory())
	assert.Greater(t, after.Batch(), before.Batch())
}

func TestPushChangeValidation(t *testing.T) {
	agents := newTestAgentBatch(t, testAgentStates(3))
	b := agents.Batch()

	col := stringColumn(t, "x", "y", "z")
	defer col.Release()
	assert.Error(t, b.PushChange(ColumnChange{Index: 5, Column: col}))
	assert.Error(t, b.PushChange(ColumnChange{Index: 0, Column: col})) // ids are FixedSizeBinary

	short := stringColumn(t, "x")
	defer short.Release()
	assert.Error(t, b.PushChange(ColumnChange{Index: 1, Column: short}))
	assert.False(t, b.HasQueuedChanges())
}

func TestFlushVisibleToSecondHandle(t *testing.T) {
	schema := DefaultAgentSchema()
	agents := newTestAgentBatch(t, testAgentStates(3))

	seg, err := shmem.OpenSegment(agents.Batch().Segment().ID())
	require.NoError(t, err)
	reader, err := AgentBatchFromSegment(seg, schema)
	require.NoError(t, err)
	defer reader.Close()

	renamed := stringColumn(t, "x", "y", "z")
	defer renamed.Release()
	require.NoError(t, agents.Batch().PushChange(ColumnChange{Index: 1, Column: renamed}))
	require.NoError(t, agents.Batch().FlushChanges())

	did, err := reader.Batch().MaybeReload()
	require.NoError(t, err)
	require.True(t, did)

	rec, err := reader.Batch().RecordBatch()
	require.NoError(t, err)
	assert.Equal(t, "z", rec.Column(1).(*array.String).Value(2))
}

func TestAgentBatchFromSegmentWrongSchema(t *testing.T) {
	schema := NewMessageSchema()
	m, err := FromAgentStates(shmem.NewMemoryId(uuid.New()), testAgentStates(3), schema)
	require.NoError(t, err)
	defer m.Close()

	seg, err := shmem.OpenSegment(m.Segment().ID())
	require.NoError(t, err)
	defer seg.Close()

	// The message schema serializes to different node/buffer counts than
	// the agent schema; loading must fail loudly, not misdecode.
	_, err = AgentBatchFromSegment(seg, DefaultAgentSchema())
	var corrupt *CorruptSegmentError
	assert.ErrorAs(t, err, &corrupt)
}
