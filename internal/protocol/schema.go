package protocol

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed request.schema.json
var requestSchemaJSON []byte

// ErrNotObject is returned by ParseEnvelope for JSON that is not an object.
var ErrNotObject = errors.New("request must be a JSON object")

// Validator checks decoded request envelopes against the embedded schema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(requestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal request schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("request.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("request.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// MustValidator is NewValidator for the embedded schema, which always compiles.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate reports the first schema violation of a document produced by ParseEnvelope.
func (v *Validator) Validate(doc any) error {
	if err := v.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("invalid request: %s", flatten(ve))
		}
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// ParseEnvelope decodes raw into a generic JSON object, keeping numbers as
// json.Number so integer checks stay exact.
func ParseEnvelope(raw []byte) (map[string]any, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// flatten drops the summary line of a validation error and joins the
// remaining detail lines.
func flatten(ve *jsonschema.ValidationError) string {
	lines := strings.Split(strings.TrimSpace(ve.Error()), "\n")
	if len(lines) > 1 {
		lines = lines[1:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimLeft(strings.TrimSpace(l), "- ")
	}
	return strings.Join(lines, "; ")
}
