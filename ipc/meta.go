package ipc

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/nmxmxh/shmbatch/ipc/flatbuf"
)

// StaticMetadata is the part of a batch's layout fixed by its schema: how
// many nodes and buffers any batch of that schema serializes to. A header
// whose counts drift from these was written against a different schema (or
// is corrupt).
type StaticMetadata struct {
	NodeCount   int
	BufferCount int
}

// NewStaticMetadata computes the node and buffer counts for a schema.
func NewStaticMetadata(schema *arrow.Schema) (StaticMetadata, error) {
	var m StaticMetadata
	for i := 0; i < schema.NumFields(); i++ {
		if err := m.count(schema.Field(i).Type); err != nil {
			return StaticMetadata{}, err
		}
	}
	return m, nil
}

func (m *StaticMetadata) count(dt arrow.DataType) error {
	m.NodeCount++
	m.BufferCount++ // validity
	switch dt := dt.(type) {
	case *arrow.StringType:
		m.BufferCount += 2 // offsets, values
	case *arrow.ListType:
		m.BufferCount++ // offsets
		return m.count(dt.Elem())
	case *arrow.StructType:
		for i := 0; i < dt.NumFields(); i++ {
			if err := m.count(dt.Field(i).Type); err != nil {
				return err
			}
		}
	default:
		if _, ok := dt.(arrow.FixedWidthDataType); !ok {
			return &UnsupportedTypeError{DataType: dt}
		}
		m.BufferCount++ // values
	}
	return nil
}

// MatchesMessage reports whether a parsed header has exactly the counts
// the schema prescribes.
func (m StaticMetadata) MatchesMessage(rb *flatbuf.RecordBatch) bool {
	return rb.NodesLength() == m.NodeCount && rb.BuffersLength() == m.BufferCount
}

// MatchesHeader reports whether a computed layout has exactly the counts
// the schema prescribes.
func (m StaticMetadata) MatchesHeader(hd HeaderData) bool {
	return len(hd.Nodes) == m.NodeCount && len(hd.Buffers) == m.BufferCount
}

// DynamicMetadata is the part of a batch's layout that changes with its
// contents: the current header and how many data bytes it spans.
type DynamicMetadata struct {
	Header     HeaderData
	DataLength int
}
