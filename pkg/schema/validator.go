// Package schema validates source payloads against JSON Schema documents.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validating a payload
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validator validates decoded JSON against a compiled schema
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles a Draft 2020-12 schema. name identifies the resource in error messages.
func NewValidator(name string, schemaJSON []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource(name, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks a value produced by Decode
func (v *Validator) Validate(value any) ValidationResult {
	result := ValidationResult{Valid: true, Errors: []ValidationError{}}

	err := v.schema.Validate(value)
	if err == nil {
		return result
	}

	result.Valid = false
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		result.Errors = append(result.Errors, ValidationError{Field: "", Message: err.Error()})
		return result
	}

	collectLeaves(verr, &result.Errors)
	sort.SliceStable(result.Errors, func(i, j int) bool { return result.Errors[i].Field < result.Errors[j].Field })
	return result
}

func collectLeaves(verr *jsonschema.ValidationError, out *[]ValidationError) {
	if len(verr.Causes) == 0 {
		*out = append(*out, ValidationError{Field: fieldPath(verr.InstanceLocation), Message: verr.Message})
		return
	}
	for _, cause := range verr.Causes {
		collectLeaves(cause, out)
	}
}

// fieldPath turns a JSON pointer into the dotted form request validation uses: /phones/0/type becomes phones[0].type
func fieldPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	var b strings.Builder
	for i, part := range strings.Split(pointer, "/") {
		part = strings.NewReplacer("~1", "/", "~0", "~").Replace(part)
		if isIndex(part) {
			b.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Decode parses exactly one JSON value, keeping numbers as json.Number
func Decode(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}
	return value, nil
}
