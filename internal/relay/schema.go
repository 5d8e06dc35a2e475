package relay

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema for the relay's own persisted document. Incoming webhook payloads
// are deliberately not schema-validated; this only guards against hand
// edits (record removal is an out-of-band edit of the backing file) leaving
// the document in a shape the merge logic cannot work with.
const stateDocumentSchema = `{
  "type": "object",
  "required": ["cases"],
  "properties": {
    "cases": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["caseId"],
        "properties": {
          "caseId": {"type": "string", "minLength": 1},
          "timestamp": {"type": "string"},
          "sheetName": {"type": "string"},
          "rowNumber": {"type": "integer"},
          "fields": {"type": "object"}
        }
      }
    }
  }
}`

var (
	stateSchemaOnce sync.Once
	stateSchema     *jsonschema.Schema
	stateSchemaErr  error
)

func compiledStateSchema() (*jsonschema.Schema, error) {
	stateSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(stateDocumentSchema))
		if err != nil {
			stateSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("livesync-state.json", doc); err != nil {
			stateSchemaErr = err
			return
		}
		stateSchema, stateSchemaErr = compiler.Compile("livesync-state.json")
	})
	return stateSchema, stateSchemaErr
}

func validateStateDocument(data []byte) error {
	schema, err := compiledStateSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
