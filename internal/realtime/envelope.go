package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/polymath-api/internal/backend"
)

const changeEventSchema = `{
	"type": "object",
	"required": ["id", "type", "table"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"enum": ["INSERT", "UPDATE", "DELETE"]},
		"schema": {"type": "string"},
		"table": {"type": "string", "pattern": "^[a-z_][a-z0-9_]*$"},
		"new": {"type": ["object", "null"]},
		"old": {"type": ["object", "null"]},
		"commit_timestamp": {"type": "string"}
	}
}`

var eventSchema = jsonschema.MustCompileString("change_event.json", changeEventSchema)

// EncodeEvent serialises a change event for the wire.
func EncodeEvent(event backend.ChangeEvent) ([]byte, error) {
	return json.Marshal(event)
}

// DecodeEvent validates and parses a change event received from a transport.
func DecodeEvent(payload []byte) (backend.ChangeEvent, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var document interface{}
	if err := decoder.Decode(&document); err != nil {
		return backend.ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	if err := eventSchema.Validate(document); err != nil {
		return backend.ChangeEvent{}, fmt.Errorf("invalid change event: %w", err)
	}

	var event backend.ChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return backend.ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	if event.Schema == "" {
		event.Schema = backend.DefaultSchema
	}
	return event, nil
}
