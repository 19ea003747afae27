package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidMessage is returned for inbound frames that fail decoding or validation.
var ErrInvalidMessage = errors.New("invalid message")

type inboundSchemaRegistry struct {
	once    sync.Once
	initErr error
	base    *jsonschema.Schema
	types   map[string]*jsonschema.Schema
}

var inboundSchemas inboundSchemaRegistry

func initInboundSchemas() error {
	inboundSchemas.once.Do(func() {
		base, err := jsonschema.CompileString("inbound", inboundBaseSchema)
		if err != nil {
			inboundSchemas.initErr = err
			return
		}
		inboundSchemas.base = base

		types := map[string]string{
			TypeUserMessage: userMessageSchema,
			TypeCancelRun:   cancelRunSchema,
			TypePing:        pingSchema,
		}
		inboundSchemas.types = make(map[string]*jsonschema.Schema, len(types))
		for name, schema := range types {
			compiled, err := jsonschema.CompileString("inbound_"+name, schema)
			if err != nil {
				inboundSchemas.initErr = err
				return
			}
			inboundSchemas.types[name] = compiled
		}
	})
	return inboundSchemas.initErr
}

// Inbound is one decoded client frame. Exactly one of the typed fields is set,
// matching Type.
type Inbound struct {
	Type        string
	UserMessage *UserMessage
	CancelRun   *CancelRunMessage
	Ping        *PingMessage
}

// DecodeInbound validates raw against the inbound schemas and decodes it.
// Identity and run ids for new runs are never taken from the envelope.
func DecodeInbound(raw []byte) (Inbound, error) {
	if err := initInboundSchemas(); err != nil {
		return Inbound{}, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := inboundSchemas.base.Validate(doc); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msgType, _ := doc.(map[string]any)["type"].(string)
	schema, ok := inboundSchemas.types[msgType]
	if !ok {
		return Inbound{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, msgType)
	}
	if err := schema.Validate(doc); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	in := Inbound{Type: msgType}
	switch msgType {
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if msg.Timestamp != "" {
			if _, err := time.Parse(time.RFC3339, msg.Timestamp); err != nil {
				return Inbound{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidMessage, err)
			}
		}
		in.UserMessage = &msg
	case TypeCancelRun:
		var msg CancelRunMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		in.CancelRun = &msg
	case TypePing:
		in.Ping = &PingMessage{Type: TypePing}
	}
	return in, nil
}

const inboundBaseSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const userMessageSchema = `{
  "type": "object",
  "required": ["type", "thread_id", "message"],
  "properties": {
    "type": { "const": "user_message" },
    "thread_id": { "type": "string", "minLength": 1, "maxLength": 256 },
    "message": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "string" },
    "agent": { "type": "string", "maxLength": 128 }
  },
  "additionalProperties": true
}`

const cancelRunSchema = `{
  "type": "object",
  "required": ["type", "run_id"],
  "properties": {
    "type": { "const": "cancel_run" },
    "run_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const pingSchema = `{
  "type": "object",
  "properties": {
    "type": { "const": "ping" }
  },
  "additionalProperties": true
}`
