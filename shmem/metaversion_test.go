package shmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetaversionRejectsStaleBatch(t *testing.T) {
	_, err := NewMetaversion(3, 2)
	require.Error(t, err)

	v, err := NewMetaversion(2, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v.Memory())
	assert.Equal(t, uint32(2), v.Batch())
}

func TestMetaversionRoundTrip(t *testing.T) {
	v, err := NewMetaversion(7, 12)
	require.NoError(t, err)

	b := v.ToLEBytes()
	require.Len(t, b, MetaversionSize)

	got, err := MetaversionFromLEBytes(b)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestMetaversionFromShortBuffer(t *testing.T) {
	_, err := MetaversionFromLEBytes(make([]byte, 4))
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestMetaversionOrdering(t *testing.T) {
	older, err := NewMetaversion(1, 1)
	require.NoError(t, err)
	newer, err := NewMetaversion(1, 2)
	require.NoError(t, err)

	assert.True(t, older.OlderThan(newer))
	assert.True(t, newer.NewerThan(older))
	assert.False(t, older.OlderThan(older))

	v := older
	assert.True(t, v.MaybeUpdate(newer))
	assert.Equal(t, newer, v)
	assert.False(t, v.MaybeUpdate(older))
	assert.Equal(t, newer, v)
}

func TestMetaversionIncrements(t *testing.T) {
	var v Metaversion
	v.Increment()
	assert.Equal(t, uint32(1), v.Memory())
	assert.Equal(t, uint32(1), v.Batch())

	v.IncrementBatch()
	assert.Equal(t, uint32(1), v.Memory())
	assert.Equal(t, uint32(2), v.Batch())
}

func TestMetaversionIncrementWith(t *testing.T) {
	var v Metaversion
	v.IncrementWith(BufferChange{})
	assert.Equal(t, uint32(0), v.Batch())

	v.IncrementWith(BufferChange{shifted: true})
	assert.Equal(t, uint32(0), v.Memory())
	assert.Equal(t, uint32(1), v.Batch())

	v.IncrementWith(BufferChange{resized: true})
	assert.Equal(t, uint32(1), v.Memory())
	assert.Equal(t, uint32(2), v.Batch())
}
