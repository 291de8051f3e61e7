package gateway

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const webhookSchemaJSON = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1, "maxLength": 2048},
    "trigger": {"type": "string", "enum": ["", "incoming", "outgoing", "both"]},
    "secret": {"type": "string", "maxLength": 256}
  },
  "required": ["url"],
  "additionalProperties": false
}`

const provisionSchemaJSON = `{
  "type": "object",
  "properties": {
    "webhook": {"type": ["object", "null"]},
    "rotateKey": {"type": "boolean"}
  },
  "additionalProperties": false
}`

const sendMessageSchemaJSON = `{
  "type": "object",
  "properties": {
    "to": {"type": "string", "minLength": 1},
    "body": {"type": "string", "minLength": 1, "maxLength": 65536}
  },
  "required": ["to", "body"],
  "additionalProperties": false
}`

var (
	webhookSchema     = mustSchema(webhookSchemaJSON)
	provisionSchema   = mustSchema(provisionSchemaJSON)
	sendMessageSchema = mustSchema(sendMessageSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid schema: %v", err))
	}
	return schema
}

// validateBody checks a raw JSON body against schema.
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
