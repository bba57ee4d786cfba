package trust

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const fileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "records"],
  "properties": {
    "version": {"const": 1},
    "records": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["appName", "tokenHash", "grantedAt"],
        "properties": {
          "appName": {"type": "string"},
          "tokenHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "grantedAt": {"type": "string", "format": "date-time"},
          "lastAuthenticatedAt": {
            "anyOf": [
              {"type": "null"},
              {"type": "string", "format": "date-time"}
            ]
          }
        }
      }
    }
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(fileSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal trust schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("trust.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add trust schema resource: %w", err)
	}
	schema, err := c.Compile("trust.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile trust schema: %w", err)
	}
	return schema, nil
}
