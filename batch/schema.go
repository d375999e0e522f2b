package batch

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/nmxmxh/shmbatch/ipc"
)

// Column and field names of the message batch schema.
const (
	ColFrom     = "from"
	ColMessages = "messages"

	FieldTo   = "to"
	FieldType = "type"
	FieldData = "data"
)

// AgentIDCol is the column every agent batch schema must carry: one 16-byte
// agent id per row.
const AgentIDCol = "agent_id"

// AgentIDSize is the byte width of an agent id column.
const AgentIDSize = 16

// MessageSchema is the fixed schema of a message batch: one row per agent,
// with the sender id and that agent's outbox for the current step. It does
// not travel inside segments; every process derives it locally.
type MessageSchema struct {
	Schema *arrow.Schema
	Static ipc.StaticMetadata
}

// NewMessageSchema builds the message batch schema:
//
//	from:     FixedSizeBinary(16)
//	messages: List<Struct{to: List<Utf8>, type: Utf8, data: Utf8}>
func NewMessageSchema() *MessageSchema {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: ColFrom, Type: &arrow.FixedSizeBinaryType{ByteWidth: AgentIDSize}},
		{Name: ColMessages, Type: arrow.ListOf(arrow.StructOf(
			arrow.Field{Name: FieldTo, Type: arrow.ListOf(arrow.BinaryTypes.String)},
			arrow.Field{Name: FieldType, Type: arrow.BinaryTypes.String},
			arrow.Field{Name: FieldData, Type: arrow.BinaryTypes.String},
		))},
	}, nil)
	static, err := ipc.NewStaticMetadata(schema)
	if err != nil {
		// The schema is a compile-time constant within the codec's subset.
		panic(err)
	}
	return &MessageSchema{Schema: schema, Static: static}
}

// AgentSchema describes an agent batch: any schema within the codec's
// subset that carries an agent_id FixedSizeBinary(16) column.
type AgentSchema struct {
	Schema  *arrow.Schema
	Static  ipc.StaticMetadata
	IDIndex int
}

// NewAgentSchema validates the agent id column and precomputes the
// schema's layout counts.
func NewAgentSchema(schema *arrow.Schema) (*AgentSchema, error) {
	indices := schema.FieldIndices(AgentIDCol)
	if len(indices) != 1 {
		return nil, fmt.Errorf("agent schema needs exactly one %q column, found %d", AgentIDCol, len(indices))
	}
	idx := indices[0]
	fsb, ok := schema.Field(idx).Type.(*arrow.FixedSizeBinaryType)
	if !ok || fsb.ByteWidth != AgentIDSize {
		return nil, fmt.Errorf("%q column must be FixedSizeBinary(%d), got %s",
			AgentIDCol, AgentIDSize, schema.Field(idx).Type)
	}
	static, err := ipc.NewStaticMetadata(schema)
	if err != nil {
		return nil, err
	}
	return &AgentSchema{Schema: schema, Static: static, IDIndex: idx}, nil
}

// DefaultAgentSchema is the minimal agent schema used when the driver does
// not supply one: agent ids plus display names.
func DefaultAgentSchema() *AgentSchema {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: AgentIDCol, Type: &arrow.FixedSizeBinaryType{ByteWidth: AgentIDSize}},
		{Name: "agent_name", Type: arrow.BinaryTypes.String},
	}, nil)
	s, err := NewAgentSchema(schema)
	if err != nil {
		panic(err)
	}
	return s
}
