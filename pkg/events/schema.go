package events

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType defines the type of event
type EventType string

const (
	EventTypeContactCreated EventType = "contact.created"
	EventTypeContactUpdated EventType = "contact.updated"
	EventTypeContactMerged  EventType = "contact.merged"
)

// ContactUpdatedData is the data of a contact.updated event
type ContactUpdatedData struct {
	Contact       *models.Contact `json:"contact"`
	OldData       *models.Contact `json:"old_data,omitempty"`
	ChangedFields []string        `json:"changed_fields,omitempty"`
}

// ContactMergedData is the data of a contact.merged event
type ContactMergedData struct {
	Primary      *models.Contact     `json:"primary"`
	DuplicateID  string              `json:"duplicate_id"`
	ChosenFields models.ChosenFields `json:"chosen_fields,omitempty"`
	DecidedBy    string              `json:"decided_by"`
	DecidedAt    time.Time           `json:"decided_at"`
}
