// Package events publishes contact lifecycle events after commits
package events

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Publisher sends contact events
type Publisher interface {
	PublishContactEvent(ctx context.Context, event *kafka.ContactEvent) error
}

// Emitter turns committed contact writes and merges into events.
// It observes both the contact service and the merge workflow; publish failures are logged, never returned.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

// ContactCreated emits a contact.created event
func (e *Emitter) ContactCreated(ctx context.Context, contact *models.Contact) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ContactCreated")
	defer span.End()

	e.emit(ctx, EventTypeContactCreated, contact, contact, nil)
}

// ContactUpdated emits a contact.updated event with the fields that changed
func (e *Emitter) ContactUpdated(ctx context.Context, before, after *models.Contact) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ContactUpdated")
	defer span.End()

	e.emit(ctx, EventTypeContactUpdated, after, ContactUpdatedData{
		Contact:       after,
		OldData:       before,
		ChangedFields: ChangedFields(before, after),
	}, nil)
}

// ContactsMerged emits a contact.merged event keyed by the surviving contact
func (e *Emitter) ContactsMerged(ctx context.Context, primary, duplicate *models.Contact, decision *models.MergeDecision) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ContactsMerged")
	defer span.End()

	e.emit(ctx, EventTypeContactMerged, primary, ContactMergedData{
		Primary:      primary,
		DuplicateID:  duplicate.ID,
		ChosenFields: decision.ChosenFields,
		DecidedBy:    decision.DecidedBy,
		DecidedAt:    decision.DecidedAt,
	}, []string{primary.ID, duplicate.ID})
}

func (e *Emitter) emit(ctx context.Context, eventType EventType, contact *models.Contact, data any, sources []string) {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": eventType,
		"contact_id": contact.ID,
	})

	dataJSON, err := json.Marshal(data)
	if err != nil {
		log.WithError(err).Error("Failed to marshal contact event")
		return
	}

	correlationID := tracing.GetTraceID(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	event := &kafka.ContactEvent{
		EventType:      string(eventType),
		SchemaVersion:  SchemaVersion,
		ContactID:      contact.ID,
		Fingerprint:    contact.Fingerprint,
		Data:           dataJSON,
		SourceContacts: sources,
		Timestamp:      contact.UpdatedAt,
		CorrelationID:  correlationID,
	}
	if err := e.publisher.PublishContactEvent(ctx, event); err != nil {
		log.WithError(err).Errorf("Failed to emit %s event", eventType)
	}
}

// ChangedFields lists the json names of the fields that differ between two versions of a contact
func ChangedFields(before, after *models.Contact) []string {
	if before == nil || after == nil {
		return nil
	}

	var changed []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	check("contact_type", before.Type, after.Type)
	check("display_name", before.DisplayName, after.DisplayName)
	check("status", before.Status, after.Status)
	check("unit_id", before.UnitID, after.UnitID)
	check("department_id", before.DepartmentID, after.DepartmentID)
	check("document", before.Document, after.Document)
	check("duplicate_of", before.DuplicateOf, after.DuplicateOf)
	if len(before.Emails) > 0 || len(after.Emails) > 0 {
		check("emails", before.Emails, after.Emails)
	}
	if len(before.Phones) > 0 || len(after.Phones) > 0 {
		check("phones", before.Phones, after.Phones)
	}
	if !sameInstant(before.LastSourceAt, after.LastSourceAt) {
		changed = append(changed, "last_source_at")
	}
	return changed
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
