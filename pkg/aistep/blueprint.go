package aistep

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Blueprint is a step's allow-list and deny-list of permitted AI actions.
type Blueprint struct {
	GreenList []string `json:"greenList"`
	RedList   []string `json:"redList"`
}

const blueprintSchemaJSON = `{
	"type": "object",
	"properties": {
		"greenList": {"type": "array", "items": {"type": "string"}},
		"redList":   {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": true
}`

var blueprintSchema = jsonschema.MustCompileString("blueprint.json", blueprintSchemaJSON)

// ParseBlueprint decodes a blueprint that may arrive as a JSON object, a JSON
// string containing an object, or garbage. Anything unusable degrades to an
// empty blueprint with a logged warning rather than failing the request.
func ParseBlueprint(raw json.RawMessage, logger *slog.Logger) Blueprint {
	doc, ok := decodeLoose(raw, logger, "blueprint")
	if !ok {
		return Blueprint{}
	}

	if err := blueprintSchema.Validate(doc); err != nil {
		logger.Warn("blueprint failed schema validation, using empty blueprint", "error", err)
		return Blueprint{}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return Blueprint{}
	}
	var bp Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		logger.Warn("blueprint decode failed, using empty blueprint", "error", err)
		return Blueprint{}
	}
	return bp
}

// ParseInput decodes a step input that may arrive as a JSON object or a JSON
// string containing an object. Unusable input degrades to an empty map.
func ParseInput(raw json.RawMessage, logger *slog.Logger) map[string]any {
	doc, ok := decodeLoose(raw, logger, "input")
	if !ok {
		return map[string]any{}
	}
	if m, ok := doc.(map[string]any); ok {
		return m
	}
	// Scalars and arrays are wrapped so downstream filtering stays uniform.
	return map[string]any{"value": doc}
}

// decodeLoose resolves the string-or-object tagged union at the boundary:
// after this point no component branches on payload shape.
func decodeLoose(raw json.RawMessage, logger *slog.Logger, what string) (any, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		logger.Warn("unparseable payload, using empty default", "field", what, "error", err)
		return nil, false
	}

	// A JSON string may itself contain encoded JSON.
	if s, ok := doc.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			logger.Warn("string payload is not valid JSON, using empty default", "field", what, "error", err)
			return nil, false
		}
		doc = inner
	}
	return doc, true
}
