package ipc

import (
	"encoding/binary"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/nmxmxh/shmbatch/ipc/flatbuf"
)

// continuationMarker opens every encapsulated IPC message.
const continuationMarker = 0xFFFFFFFF

// WriteRecordBatchMessageHeader encodes hd as an encapsulated IPC message:
// the continuation marker, a little-endian int32 metadata length, the
// Message flatbuffer, and zero padding to an 8-byte boundary.
func WriteRecordBatchMessageHeader(hd HeaderData) []byte {
	b := flatbuffers.NewBuilder(256 + 32*(len(hd.Nodes)+len(hd.Buffers)))

	flatbuf.RecordBatchStartNodesVector(b, len(hd.Nodes))
	for i := len(hd.Nodes) - 1; i >= 0; i-- {
		flatbuf.CreateFieldNode(b, hd.Nodes[i].Length, hd.Nodes[i].NullCount)
	}
	nodes := b.EndVector(len(hd.Nodes))

	flatbuf.RecordBatchStartBuffersVector(b, len(hd.Buffers))
	for i := len(hd.Buffers) - 1; i >= 0; i-- {
		flatbuf.CreateBuffer(b, hd.Buffers[i].Offset, hd.Buffers[i].Length)
	}
	buffers := b.EndVector(len(hd.Buffers))

	flatbuf.RecordBatchStart(b)
	flatbuf.RecordBatchAddLength(b, hd.Length)
	flatbuf.RecordBatchAddNodes(b, nodes)
	flatbuf.RecordBatchAddBuffers(b, buffers)
	header := flatbuf.RecordBatchEnd(b)

	flatbuf.MessageStart(b)
	flatbuf.MessageAddVersion(b, flatbuf.MetadataVersionV5)
	flatbuf.MessageAddHeaderType(b, flatbuf.MessageHeaderRecordBatch)
	flatbuf.MessageAddHeader(b, header)
	flatbuf.MessageAddBodyLength(b, hd.BodyLength)
	b.Finish(flatbuf.MessageEnd(b))

	meta := b.FinishedBytes()
	padded := int(pad8(int64(len(meta))))

	out := make([]byte, 8+padded)
	binary.LittleEndian.PutUint32(out[0:4], continuationMarker)
	binary.LittleEndian.PutUint32(out[4:8], uint32(padded))
	copy(out[8:], meta)
	return out
}
