// Package apperror defines the error taxonomy shared by the resolution pipeline.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// ValidationError reports a malformed value. During ingestion it only drops the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

func NewValidationErrorf(field, value, format string, args ...any) *ValidationError {
	return NewValidationError(field, value, fmt.Sprintf(format, args...))
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusUnprocessableEntity, e.Error()).AddMetaValue("field", e.Field).AddMetaValue("value", e.Value)
}

// ConflictReason distinguishes the causes of a ConflictError.
type ConflictReason string

const (
	ConflictStaleFingerprint ConflictReason = "stale_fingerprint"
	ConflictSuperseded       ConflictReason = "superseded"
	ConflictDuplicateChain   ConflictReason = "duplicate_chain"
)

// ConflictError is returned when a write raced another write or hit a superseded contact.
// Callers re-read and retry; the pipeline never retries on its own.
type ConflictError struct {
	Reason   ConflictReason
	EntityID string
	Message  string
}

func NewConflictError(reason ConflictReason, entityID, message string) *ConflictError {
	return &ConflictError{Reason: reason, EntityID: entityID, Message: message}
}

func NewStaleFingerprintError(entityID string) *ConflictError {
	return NewConflictError(ConflictStaleFingerprint, entityID, fmt.Sprintf("stale fingerprint for contact %s", entityID))
}

func (e *ConflictError) Error() string {
	return e.Message
}

func (e *ConflictError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusConflict, e.Error()).AddMetaValue("reason", string(e.Reason)).AddMetaValue("entity_id", e.EntityID)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(http.StatusNotFound, e.Error()).AddMetaValue("entity", e.Entity).AddMetaValue("id", e.ID)
}

// DuplicateEventError signals a replayed (source, nonce). It is acknowledged as a success.
type DuplicateEventError struct {
	Source string
	Nonce  string
}

func NewDuplicateEventError(source, nonce string) *DuplicateEventError {
	return &DuplicateEventError{Source: source, Nonce: nonce}
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %s/%s already processed", e.Source, e.Nonce)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsDuplicateEvent(err error) bool {
	var target *DuplicateEventError
	return errors.As(err, &target)
}

// ToHTTPError converts a domain error into its HTTP form. Other errors are returned unchanged.
func ToHTTPError(err error) error {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.ToHTTPError()
	}
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return conflictErr.ToHTTPError()
	}
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return notFoundErr.ToHTTPError()
	}
	return err
}
