// Package store declares the persistence contracts of the resolution pipeline.
// internal/repositories implements them on Postgres and pkg/store/memory on an in-process arena.
package store

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Transactor runs fn inside one atomic unit. Stores called with the ctx passed to fn join it.
// A nested call joins the outer transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// NameMatch is a trigram neighbor of a normalized name
type NameMatch struct {
	ContactID  string  `db:"id"`
	Similarity float64 `db:"similarity"`
}

type ContactStore interface {
	Create(ctx context.Context, contact *models.Contact) error
	// Get returns apperror.NotFoundError when the contact does not exist
	Get(ctx context.Context, id string) (*models.Contact, error)
	GetMany(ctx context.Context, ids []string) ([]*models.Contact, error)
	// GetForUpdate locks the rows in id order for the rest of the transaction
	GetForUpdate(ctx context.Context, ids ...string) (map[string]*models.Contact, error)
	// Update writes the contact and its channels if the stored fingerprint still equals expectedFingerprint,
	// otherwise it returns a stale fingerprint apperror.ConflictError
	Update(ctx context.Context, contact *models.Contact, expectedFingerprint string) error
	// ParentOf returns the duplicate-of pointer of a contact
	ParentOf(ctx context.Context, id string) (*string, error)
	// RepointDuplicates moves every duplicate-of pointer from fromID to toID, stamps updated_at with at
	// and returns the moved contact ids in order
	RepointDuplicates(ctx context.Context, fromID, toID string, at time.Time) ([]string, error)

	// Lookups only return ACTIVE, non-superseded contacts
	FindByDocument(ctx context.Context, document string) ([]string, error)
	FindByEmails(ctx context.Context, addresses []string) ([]string, error)
	FindByNationalNumbers(ctx context.Context, numbers []string) ([]string, error)
	FindSimilarNames(ctx context.Context, normalizedName, excludeID string, floor float64, limit int) ([]NameMatch, error)
}

type SourceRecordStore interface {
	// Latest returns nil when the (source, sourceKey) has never been captured
	Latest(ctx context.Context, source, sourceKey string) (*models.SourceRecord, error)
	Insert(ctx context.Context, record *models.SourceRecord) error
	Versions(ctx context.Context, source, sourceKey string) ([]models.SourceRecord, error)
	Link(ctx context.Context, link models.ContactSource) error
	ReparentLinks(ctx context.Context, fromContactID, toContactID string) (int64, error)
	LinksForContact(ctx context.Context, contactID string) ([]models.ContactSource, error)
	// LinkedContact returns the contact linked to any version of (source, sourceKey), or nil
	LinkedContact(ctx context.Context, source, sourceKey string) (*string, error)
}

type CandidateStore interface {
	Upsert(ctx context.Context, candidate *models.MergeCandidate) error
	// Get returns nil when the pair has no candidate row
	Get(ctx context.Context, contactA, contactB string) (*models.MergeCandidate, error)
	Delete(ctx context.Context, contactA, contactB string) error
	ListByContact(ctx context.Context, contactID string) ([]models.MergeCandidate, error)
	DeleteByContact(ctx context.Context, contactID string) (int64, error)
	// ListPending returns candidates without a decision in either ordering, in review-queue order
	ListPending(ctx context.Context, limit int) ([]models.MergeCandidate, error)
}

type DecisionStore interface {
	// Get returns nil when the ordered pair is undecided
	Get(ctx context.Context, primaryID, duplicateID string) (*models.MergeDecision, error)
	Upsert(ctx context.Context, decision *models.MergeDecision) error
}

type AuditStore interface {
	// LastHash returns "" when the entity has no events yet
	LastHash(ctx context.Context, entityType, entityID string) (string, error)
	Append(ctx context.Context, event *models.AuditEvent) error
	// ListByEntity returns events newest first
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditEvent, error)
}

type ReceiptStore interface {
	// Record returns apperror.DuplicateEventError when (source, nonce) was already recorded
	Record(ctx context.Context, receipt models.WebhookReceipt) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles the stores behind one transactor
type Store struct {
	Tx         Transactor
	Contacts   ContactStore
	Sources    SourceRecordStore
	Candidates CandidateStore
	Decisions  DecisionStore
	Audit      AuditStore
	Receipts   ReceiptStore
}
