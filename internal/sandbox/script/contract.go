package script

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// resultSchema is the stdout contract every skill script must honor.
const resultSchema = `{
	"type": "object",
	"required": ["success"],
	"properties": {
		"success": {"type": "boolean"},
		"error": {"type": ["string", "null"]},
		"normalized_input": {"type": ["object", "null"]}
	}
}`

// CompileSchema compiles a JSON Schema document registered under name.
func CompileSchema(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ValidateJSON checks raw against schema.
func ValidateJSON(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

var compiledResultSchema = mustCompile("script-result.json", resultSchema)

func mustCompile(name, schemaJSON string) *jsonschema.Schema {
	s, err := CompileSchema(name, []byte(schemaJSON))
	if err != nil {
		panic(err)
	}
	return s
}

// scriptOutput is the decoded stdout object.
type scriptOutput struct {
	Success         bool           `json:"success"`
	Output          any            `json:"output"`
	Error           *string        `json:"error"`
	NormalizedInput map[string]any `json:"normalized_input"`
}

// parseOutput extracts and validates the result object from stdout.
// Scripts should print exactly one object; when diagnostic lines precede
// it, the last line holding a complete object is used.
func parseOutput(stdout []byte) (scriptOutput, error) {
	candidate := bytes.TrimSpace(stdout)
	if len(candidate) == 0 {
		return scriptOutput{}, fmt.Errorf("script produced no output")
	}
	if !json.Valid(candidate) {
		candidate = lastObjectLine(candidate)
		if candidate == nil {
			return scriptOutput{}, fmt.Errorf("script output is not a JSON object")
		}
	}
	if err := ValidateJSON(compiledResultSchema, candidate); err != nil {
		return scriptOutput{}, err
	}
	var out scriptOutput
	dec := json.NewDecoder(bytes.NewReader(candidate))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return scriptOutput{}, fmt.Errorf("decode script output: %w", err)
	}
	return out, nil
}

func lastObjectLine(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") && json.Valid([]byte(line)) {
			return []byte(line)
		}
	}
	return nil
}
