package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
)

//go:embed contact_payload.schema.json
var contactSchemaJSON []byte

var (
	contactOnce      sync.Once
	contactValidator *Validator
	contactErr       error
)

// ContactValidator returns the compiled contact payload schema
func ContactValidator() (*Validator, error) {
	contactOnce.Do(func() {
		contactValidator, contactErr = NewValidator("contact_payload.schema.json", contactSchemaJSON)
	})
	return contactValidator, contactErr
}

// DecodeContact validates an ingestion payload and maps it to a ContactInput.
// A payload that breaks the schema is an apperror.ValidationError naming the first failing field.
func DecodeContact(payload json.RawMessage) (models.ContactInput, error) {
	var input models.ContactInput

	value, err := Decode(payload)
	if err != nil {
		return input, apperror.NewValidationErrorf("payload", "", "payload is not valid JSON: %s", err.Error())
	}

	validator, err := ContactValidator()
	if err != nil {
		return input, fmt.Errorf("failed to load contact schema: %w", err)
	}

	result := validator.Validate(value)
	if !result.Valid {
		first := result.Errors[0]
		field := first.Field
		if field == "" {
			field = "payload"
		}
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			if e.Field == "" {
				msgs = append(msgs, e.Message)
				continue
			}
			msgs = append(msgs, e.Field+": "+e.Message)
		}
		return input, apperror.NewValidationError(field, "", "payload does not match the contact schema: "+strings.Join(msgs, "; "))
	}

	if err := json.Unmarshal(payload, &input); err != nil {
		return input, apperror.NewValidationErrorf("payload", "", "payload cannot be mapped to a contact: %s", err.Error())
	}
	return input, nil
}
