package ipc

import (
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/nmxmxh/shmbatch/ipc/flatbuf"
	"github.com/nmxmxh/shmbatch/shmem"
)

// ParseRecordBatchMessage decodes an encapsulated IPC message and returns
// its RecordBatch header and body length. Anything that is not a record
// batch message wraps ErrInvalidMessage.
func ParseRecordBatchMessage(meta []byte) (rb *flatbuf.RecordBatch, bodyLength int64, err error) {
	// The flatbuffers accessors index raw bytes and panic on garbage;
	// callers get an error either way.
	defer func() {
		if r := recover(); r != nil {
			rb, bodyLength = nil, 0
			err = fmt.Errorf("malformed message flatbuffer: %w", ErrInvalidMessage)
		}
	}()

	if len(meta) < 8 {
		return nil, 0, fmt.Errorf("metadata region of %d bytes: %w", len(meta), ErrInvalidMessage)
	}
	start := 4
	size := binary.LittleEndian.Uint32(meta[0:4])
	if size == continuationMarker {
		size = binary.LittleEndian.Uint32(meta[4:8])
		start = 8
	}
	if size == 0 || int64(size) > int64(len(meta)-start) {
		return nil, 0, fmt.Errorf("metadata length %d outside region of %d bytes: %w", size, len(meta), ErrInvalidMessage)
	}

	msg := flatbuf.GetRootAsMessage(meta[start:start+int(size)], 0)
	if got := msg.HeaderType(); got != flatbuf.MessageHeaderRecordBatch {
		return nil, 0, fmt.Errorf("message header is %s, want RecordBatch: %w", got, ErrInvalidMessage)
	}
	var tbl flatbuffers.Table
	if !msg.Header(&tbl) {
		return nil, 0, fmt.Errorf("message has no header table: %w", ErrInvalidMessage)
	}
	rb = &flatbuf.RecordBatch{}
	rb.Init(tbl.Bytes, tbl.Pos)
	return rb, msg.BodyLength(), nil
}

// ReadRecordBatchMessage parses the message stored in a segment's metadata
// region.
func ReadRecordBatchMessage(seg *shmem.Segment) (*flatbuf.RecordBatch, int64, error) {
	bufs, err := seg.GetBatchBuffers()
	if err != nil {
		return nil, 0, err
	}
	return ParseRecordBatchMessage(bufs.Meta())
}

// HeaderDataFromMessage flattens a parsed RecordBatch header back into
// HeaderData.
func HeaderDataFromMessage(rb *flatbuf.RecordBatch, bodyLength int64) HeaderData {
	hd := HeaderData{Length: rb.Length(), BodyLength: bodyLength}
	var fn flatbuf.FieldNode
	for i := 0; i < rb.NodesLength(); i++ {
		if rb.Nodes(&fn, i) {
			hd.Nodes = append(hd.Nodes, FieldNode{Length: fn.Length(), NullCount: fn.NullCount()})
		}
	}
	var bf flatbuf.Buffer
	for i := 0; i < rb.BuffersLength(); i++ {
		if rb.Buffers(&bf, i) {
			hd.Buffers = append(hd.Buffers, BufferRegion{Offset: bf.Offset(), Length: bf.Length()})
		}
	}
	return hd
}

// ReadRecordBatch reconstructs the record stored in a segment. Array
// buffers alias the segment's mapped data region; the record is only valid
// until the segment is resized or closed.
func ReadRecordBatch(seg *shmem.Segment, schema *arrow.Schema) (arrow.Record, error) {
	rb, _, err := ReadRecordBatchMessage(seg)
	if err != nil {
		return nil, err
	}
	body, err := seg.GetDataBuffer()
	if err != nil {
		return nil, err
	}

	c := cursor{rb: rb, body: body}
	cols := make([]arrow.Array, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		data, err := c.loadArray(schema.Field(i).Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", schema.Field(i).Name, err)
		}
		cols[i] = array.MakeFromData(data)
	}
	if c.node != rb.NodesLength() || c.buf != rb.BuffersLength() {
		return nil, fmt.Errorf("schema consumed %d nodes and %d buffers, header has %d and %d: %w",
			c.node, c.buf, rb.NodesLength(), rb.BuffersLength(), ErrInvalidMessage)
	}
	return array.NewRecord(schema, cols, rb.Length()), nil
}

// cursor walks the header's node and buffer vectors in the same pre-order
// the writer produced them.
type cursor struct {
	rb   *flatbuf.RecordBatch
	body []byte
	node int
	buf  int
}

func (c *cursor) nextNode() (length, nullCount int, err error) {
	var fn flatbuf.FieldNode
	if !c.rb.Nodes(&fn, c.node) {
		return 0, 0, fmt.Errorf("header has only %d nodes: %w", c.rb.NodesLength(), ErrInvalidMessage)
	}
	c.node++
	return int(fn.Length()), int(fn.NullCount()), nil
}

func (c *cursor) nextBuffer() (*memory.Buffer, error) {
	var bf flatbuf.Buffer
	if !c.rb.Buffers(&bf, c.buf) {
		return nil, fmt.Errorf("header has only %d buffers: %w", c.rb.BuffersLength(), ErrInvalidMessage)
	}
	c.buf++
	if bf.Length() == 0 {
		return nil, nil
	}
	end := bf.Offset() + bf.Length()
	if bf.Offset() < 0 || end > int64(len(c.body)) {
		return nil, fmt.Errorf("buffer spans [%d, %d) outside body of %d bytes: %w",
			bf.Offset(), end, len(c.body), ErrInvalidMessage)
	}
	return memory.NewBufferBytes(c.body[bf.Offset():end]), nil
}

func (c *cursor) loadArray(dt arrow.DataType) (arrow.ArrayData, error) {
	length, nullCount, err := c.nextNode()
	if err != nil {
		return nil, err
	}
	validity, err := c.nextBuffer()
	if err != nil {
		return nil, err
	}

	switch dt := dt.(type) {
	case *arrow.StringType:
		offsets, err := c.nextBuffer()
		if err != nil {
			return nil, err
		}
		values, err := c.nextBuffer()
		if err != nil {
			return nil, err
		}
		return array.NewData(dt, length, []*memory.Buffer{validity, offsets, values}, nil, nullCount, 0), nil
	case *arrow.ListType:
		offsets, err := c.nextBuffer()
		if err != nil {
			return nil, err
		}
		child, err := c.loadArray(dt.Elem())
		if err != nil {
			return nil, err
		}
		return array.NewData(dt, length, []*memory.Buffer{validity, offsets}, []arrow.ArrayData{child}, nullCount, 0), nil
	case *arrow.StructType:
		children := make([]arrow.ArrayData, dt.NumFields())
		for i := 0; i < dt.NumFields(); i++ {
			child, err := c.loadArray(dt.Field(i).Type)
			if err != nil {
				return nil, err
			}
			children[i] = child
		}
		return array.NewData(dt, length, []*memory.Buffer{validity}, children, nullCount, 0), nil
	default:
		if _, ok := dt.(arrow.FixedWidthDataType); !ok {
			return nil, &UnsupportedTypeError{DataType: dt}
		}
		values, err := c.nextBuffer()
		if err != nil {
			return nil, err
		}
		return array.NewData(dt, length, []*memory.Buffer{validity, values}, nil, nullCount, 0), nil
	}
}
