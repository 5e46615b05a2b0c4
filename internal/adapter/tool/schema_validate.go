package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// argValidator checks tool call arguments against the tool's input schema.
type argValidator struct {
	tool   string
	schema *jsonschema.Schema
}

// compileArgValidator returns nil without error when there is no schema.
func compileArgValidator(tool string, raw json.RawMessage) (*argValidator, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", tool, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", tool, err)
	}
	return &argValidator{tool: tool, schema: compiled}, nil
}

func (v *argValidator) validate(args map[string]any) error {
	// The validator expects JSON-decoded values; a nil map is an empty object.
	var doc any = map[string]any{}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode arguments: %w", err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode arguments: %w", err)
		}
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("arguments for %s do not match its schema: %v", v.tool, err)
	}
	return nil
}
