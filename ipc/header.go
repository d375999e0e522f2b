package ipc

import (
	"encoding/binary"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// FieldNode records the row count and null count of one array, in the
// pre-order the IPC format prescribes.
type FieldNode struct {
	Length    int64
	NullCount int64
}

// BufferRegion locates one buffer inside a batch body. Offset is 8-byte
// aligned; Length is the unpadded byte count.
type BufferRegion struct {
	Offset int64
	Length int64
}

// HeaderData is everything a record batch IPC header carries: the row
// count, one node per array, one region per buffer, and the padded body
// length.
type HeaderData struct {
	Length     int64
	Nodes      []FieldNode
	Buffers    []BufferRegion
	BodyLength int64
}

func pad8(n int64) int64 {
	return (n + 7) &^ 7
}

// CalculateHeaderData lays out rec's buffers without writing any bytes.
// Every buffer is placed at the next 8-byte boundary; the traversal order
// per array is node, validity, offsets (variable-size types), values,
// then children.
func CalculateHeaderData(rec arrow.Record) (HeaderData, error) {
	w := walker{hd: &HeaderData{Length: rec.NumRows()}}
	for i := 0; i < int(rec.NumCols()); i++ {
		if err := w.walk(rec.Column(i).Data()); err != nil {
			return HeaderData{}, fmt.Errorf("column %q: %w", rec.ColumnName(i), err)
		}
	}
	return *w.hd, nil
}

// WriteRecordBatchBody writes rec's buffers into dst at the offsets
// CalculateHeaderData assigns, zeroing alignment padding, and returns the
// resulting layout.
func WriteRecordBatchBody(rec arrow.Record, dst []byte) (HeaderData, error) {
	var bufs [][]byte
	w := walker{hd: &HeaderData{Length: rec.NumRows()}, bufs: &bufs}
	for i := 0; i < int(rec.NumCols()); i++ {
		if err := w.walk(rec.Column(i).Data()); err != nil {
			return HeaderData{}, fmt.Errorf("column %q: %w", rec.ColumnName(i), err)
		}
	}
	hd := *w.hd
	if int64(len(dst)) < hd.BodyLength {
		return HeaderData{}, fmt.Errorf("body needs %d bytes, data buffer has %d", hd.BodyLength, len(dst))
	}
	for i, region := range hd.Buffers {
		copy(dst[region.Offset:], bufs[i])
		for p := region.Offset + region.Length; p < pad8(region.Offset+region.Length); p++ {
			dst[p] = 0
		}
	}
	return hd, nil
}

type walker struct {
	hd   *HeaderData
	bufs *[][]byte
}

func (w *walker) addBuffer(b []byte) {
	n := int64(len(b))
	w.hd.Buffers = append(w.hd.Buffers, BufferRegion{Offset: w.hd.BodyLength, Length: n})
	w.hd.BodyLength += pad8(n)
	if w.bufs != nil {
		*w.bufs = append(*w.bufs, b)
	}
}

func (w *walker) walk(data arrow.ArrayData) error {
	if data.Offset() != 0 {
		return ErrSlicedArray
	}
	w.hd.Nodes = append(w.hd.Nodes, FieldNode{
		Length:    int64(data.Len()),
		NullCount: int64(data.NullN()),
	})
	w.addBuffer(validityBytes(data))

	switch dt := data.DataType().(type) {
	case *arrow.BooleanType:
		b, err := sliceBytes(data.Buffers()[1], bitBytes(data.Len()))
		if err != nil {
			return err
		}
		w.addBuffer(b)
	case *arrow.StringType:
		off, err := offsetBytes(data)
		if err != nil {
			return err
		}
		w.addBuffer(off)
		valuesLen := int(binary.LittleEndian.Uint32(off[4*data.Len():]))
		values, err := sliceBytes(data.Buffers()[2], valuesLen)
		if err != nil {
			return err
		}
		w.addBuffer(values)
	case *arrow.ListType:
		off, err := offsetBytes(data)
		if err != nil {
			return err
		}
		w.addBuffer(off)
		return w.walk(data.Children()[0])
	case *arrow.StructType:
		for _, child := range data.Children() {
			if err := w.walk(child); err != nil {
				return err
			}
		}
	default:
		fw, ok := dt.(arrow.FixedWidthDataType)
		if !ok {
			return &UnsupportedTypeError{DataType: dt}
		}
		b, err := sliceBytes(data.Buffers()[1], data.Len()*fw.BitWidth()/8)
		if err != nil {
			return err
		}
		w.addBuffer(b)
	}
	return nil
}

func bitBytes(n int) int {
	return (n + 7) / 8
}

// validityBytes returns the null bitmap. Arrays without nulls serialize a
// zero-length validity buffer.
func validityBytes(data arrow.ArrayData) []byte {
	if data.NullN() == 0 {
		return nil
	}
	return data.Buffers()[0].Bytes()[:bitBytes(data.Len())]
}

var emptyOffsets [4]byte

// offsetBytes returns the i32 offsets buffer of a variable-size array,
// which always holds len+1 entries. Zero-length arrays built without a
// materialized offsets buffer get a single zero offset.
func offsetBytes(data arrow.ArrayData) ([]byte, error) {
	n := 4 * (data.Len() + 1)
	buf := data.Buffers()[1]
	if buf == nil || buf.Len() < n {
		if data.Len() == 0 {
			return emptyOffsets[:], nil
		}
		return nil, fmt.Errorf("offsets buffer needs %d bytes, has %d", n, bufLen(buf))
	}
	return buf.Bytes()[:n], nil
}

func sliceBytes(buf *memory.Buffer, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if buf == nil || buf.Len() < n {
		return nil, fmt.Errorf("values buffer needs %d bytes, has %d", n, bufLen(buf))
	}
	return buf.Bytes()[:n], nil
}

func bufLen(buf *memory.Buffer) int {
	if buf == nil {
		return 0
	}
	return buf.Len()
}
