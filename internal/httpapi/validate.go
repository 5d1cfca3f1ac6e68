package httpapi

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const submitSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["participantId", "clientOpId", "baseVersion", "type", "payload"],
  "properties": {
    "participantId": {"type": "string", "minLength": 1},
    "clientOpId": {"type": "string", "minLength": 1, "maxLength": 256},
    "baseVersion": {"type": "integer", "minimum": 0},
    "type": {"type": "string", "minLength": 1},
    "payload": {}
  },
  "additionalProperties": false
}`

var (
	submitSchemaOnce sync.Once
	submitSchema     *jsonschema.Schema
	submitSchemaErr  error
)

func compileSubmitSchema() (*jsonschema.Schema, error) {
	submitSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(submitSchemaJSON)))
		if err != nil {
			submitSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("submit.json", doc); err != nil {
			submitSchemaErr = err
			return
		}
		submitSchema, submitSchemaErr = compiler.Compile("submit.json")
	})
	return submitSchema, submitSchemaErr
}

// validateSubmitBody checks the submit request against the wire schema
// before any field is interpreted, so shape errors surface uniformly as
// invalid_input rather than as zero-value surprises downstream.
func validateSubmitBody(body []byte) error {
	sch, err := compileSubmitSchema()
	if err != nil {
		return fmt.Errorf("submit schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("malformed JSON body")
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid submit request: %v", err)
	}
	return nil
}
