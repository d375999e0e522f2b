// Package flatbuf holds flatbuffers accessors for the subset of the Arrow
// IPC metadata schema (Message.fbs) that batch segments use: the Message
// envelope, the RecordBatch header, and the FieldNode and Buffer structs.
// The code follows the layout of flatc-generated Go so that buffers it
// produces are readable by any Arrow implementation.
package flatbuf
