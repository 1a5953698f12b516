package wire

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// frameSchema constrains frames arriving from devices. Frames the relay
// emits (forwarded messages, provide_list requests) are not covered:
// devices are the untrusted side of the channel.
const frameSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {"enum": ["message", "ack", "get_leftover_messages"]},
		"ack_id": {"type": "integer", "minimum": 0},
		"to": {"type": "string"},
		"data": {},
		"message": {
			"type": "object",
			"required": ["table_name", "type", "unique_id_parent"],
			"properties": {
				"table_name": {"enum": ["lists", "list_items"]},
				"type": {"enum": ["insert", "update", "delete"]},
				"unique_id_parent": {"type": "string", "minLength": 1},
				"unique_id_child": {"type": "string"},
				"data": {"type": "object"}
			}
		}
	},
	"allOf": [
		{
			"if": {"properties": {"event": {"const": "message"}}},
			"then": {"required": ["event", "message"]}
		},
		{
			"if": {"properties": {"event": {"const": "ack"}}},
			"then": {"required": ["event", "ack_id"]}
		}
	]
}`

var (
	frameSchemaOnce     sync.Once
	frameSchemaCompiled *jsonschema.Schema
	frameSchemaErr      error
)

func compiledFrameSchema() (*jsonschema.Schema, error) {
	frameSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
		if err != nil {
			frameSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("frame.json", doc); err != nil {
			frameSchemaErr = err
			return
		}
		frameSchemaCompiled, frameSchemaErr = compiler.Compile("frame.json")
	})
	return frameSchemaCompiled, frameSchemaErr
}

// ValidateFrame checks a raw device frame against the wire schema before
// any of it reaches dispatch logic.
func ValidateFrame(raw []byte) error {
	schema, err := compiledFrameSchema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownMessage, err)
	}
	return nil
}
