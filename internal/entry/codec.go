package entry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var recordSchema = map[string]any{
	"type":     "object",
	"required": []string{"id", "rawText", "type", "createdAt", "lastAccessedAt"},
	"properties": map[string]any{
		"id":      map[string]any{"type": "string", "minLength": 1},
		"rawText": map[string]any{"type": "string", "minLength": 1, "maxLength": MaxTextLength},
		"type":    map[string]any{"enum": []string{string(TypeNote), string(TypeChecklist)}},
		"items": map[string]any{
			"type": []string{"array", "null"},
			"items": map[string]any{
				"type":     "object",
				"required": []string{"label", "checked"},
				"properties": map[string]any{
					"label":   map[string]any{"type": "string", "minLength": 1},
					"checked": map[string]any{"type": "boolean"},
				},
			},
		},
		"createdAt":      map[string]any{"type": "integer", "minimum": 0},
		"lastAccessedAt": map[string]any{"type": "integer", "minimum": 0},
		"archived":       map[string]any{"type": "boolean"},
	},
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(recordSchema))
	if err != nil {
		panic(fmt.Sprintf("compiling entry record schema: %v", err))
	}
	return s
}

// Encode serializes an entry into its record format.
func Encode(e Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding entry %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode validates a record against the entry schema and parses it.
// Records that fail validation are reported as errors so scans can skip them.
func Decode(data []byte) (Entry, error) {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Entry{}, fmt.Errorf("parsing record: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return Entry{}, fmt.Errorf("invalid record: %s", strings.Join(msgs, "; "))
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding record: %w", err)
	}
	e.Normalize()
	return e, nil
}
