package batch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/google/uuid"
)

// Message is the native form of one outgoing message.
type Message struct {
	To   []string
	Kind string
	Data string
}

// MessageLoader reads individual messages straight from the loaded column
// buffers, without materializing the whole batch. Indices are (agent row,
// message position within that agent's outbox). The loader is only valid
// as long as the record it was built from stays loaded.
type MessageLoader struct {
	from     *array.FixedSizeBinary
	messages *array.List
	to       *array.List
	toValues *array.String
	kind     *array.String
	data     *array.String
}

// NewMessageLoader builds a loader over a message record.
func NewMessageLoader(rec arrow.Record) (*MessageLoader, error) {
	from, ok := rec.Column(0).(*array.FixedSizeBinary)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want FixedSizeBinary", ColFrom, rec.Column(0).DataType())
	}
	messages, ok := rec.Column(1).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want List", ColMessages, rec.Column(1).DataType())
	}
	structs, ok := messages.ListValues().(*array.Struct)
	if !ok || structs.NumField() != 3 {
		return nil, fmt.Errorf("column %q must hold lists of 3-field structs", ColMessages)
	}
	to, ok := structs.Field(0).(*array.List)
	if !ok {
		return nil, fmt.Errorf("message field %q is %s, want List", FieldTo, structs.Field(0).DataType())
	}
	toValues, ok := to.ListValues().(*array.String)
	if !ok {
		return nil, fmt.Errorf("message field %q must hold lists of strings", FieldTo)
	}
	kind, ok := structs.Field(1).(*array.String)
	if !ok {
		return nil, fmt.Errorf("message field %q is %s, want String", FieldType, structs.Field(1).DataType())
	}
	data, ok := structs.Field(2).(*array.String)
	if !ok {
		return nil, fmt.Errorf("message field %q is %s, want String", FieldData, structs.Field(2).DataType())
	}
	return &MessageLoader{
		from:     from,
		messages: messages,
		to:       to,
		toValues: toValues,
		kind:     kind,
		data:     data,
	}, nil
}

// NumAgents returns the number of agent rows.
func (l *MessageLoader) NumAgents() int {
	return l.from.Len()
}

// From returns the sender id of an agent row.
func (l *MessageLoader) From(agent int) uuid.UUID {
	var id uuid.UUID
	copy(id[:], l.from.Value(agent))
	return id
}

// NumMessages returns the outbox length of an agent row.
func (l *MessageLoader) NumMessages(agent int) int {
	off := l.messages.Offsets()
	return int(off[agent+1] - off[agent])
}

func (l *MessageLoader) messageIndex(agent, msg int) int {
	return int(l.messages.Offsets()[agent]) + msg
}

// Recipients returns the recipient list of one message.
func (l *MessageLoader) Recipients(agent, msg int) []string {
	i := l.messageIndex(agent, msg)
	off := l.to.Offsets()
	out := make([]string, 0, off[i+1]-off[i])
	for k := off[i]; k < off[i+1]; k++ {
		out = append(out, l.toValues.Value(int(k)))
	}
	return out
}

// Kind returns the type tag of one message.
func (l *MessageLoader) Kind(agent, msg int) string {
	return l.kind.Value(l.messageIndex(agent, msg))
}

// Data returns the payload of one message.
func (l *MessageLoader) Data(agent, msg int) string {
	return l.data.Value(l.messageIndex(agent, msg))
}
