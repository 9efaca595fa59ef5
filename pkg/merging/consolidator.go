package merging

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Rescorer re-evaluates the candidate rows of a contact without running lookups
type Rescorer interface {
	Rescore(ctx context.Context, subject *models.Contact, counterpartIDs ...string) (*matching.RefreshResult, error)
}

// Consolidation is what a merge changed
type Consolidation struct {
	Primary           *models.Contact
	Duplicate         *models.Contact
	Repointed         []string
	LinksMoved        int64
	CandidatesDeleted int64
	Rescored          *matching.RefreshResult
}

// Consolidator folds a duplicate contact into its primary. It never opens a transaction:
// callers run it inside the one that wrote the decision and locked both rows.
type Consolidator struct {
	store    *store.Store
	ledger   *audit.Ledger
	rescorer Rescorer
	logger   ectologger.Logger
	now      func() time.Time
}

func NewConsolidator(st *store.Store, ledger *audit.Ledger, rescorer Rescorer, logger ectologger.Logger) *Consolidator {
	return &Consolidator{
		store:    st,
		ledger:   ledger,
		rescorer: rescorer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Consolidate merges duplicate into primary. Both contacts must be the copies read under lock;
// their fingerprints are the compare-and-set tokens for the writes.
func (c *Consolidator) Consolidate(ctx context.Context, primary, duplicate *models.Contact, decision *models.MergeDecision) (*Consolidation, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Consolidator.Consolidate")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"primary_id":   primary.ID,
		"duplicate_id": duplicate.ID,
	})

	primaryBefore := primary.Clone()
	duplicateBefore := duplicate.Clone()
	nextPrimary := primary.Clone()
	nextDuplicate := duplicate.Clone()
	now := c.now()

	if err := ApplyFields(nextPrimary, duplicate, decision.ChosenFields); err != nil {
		return nil, err
	}
	MergeChannels(nextPrimary, duplicate)
	nextPrimary.LastSourceAt = laterOf(primary.LastSourceAt, duplicate.LastSourceAt)
	nextPrimary.UpdatedAt = now
	nextPrimary.Fingerprint = fingerprint.Contact(nextPrimary)

	// channels move to the primary; the pre-merge copy stays in the audit trail
	nextDuplicate.Emails = nil
	nextDuplicate.Phones = nil
	nextDuplicate.DuplicateOf = &nextPrimary.ID
	nextDuplicate.Status = models.ContactStatusMerged
	nextDuplicate.UpdatedAt = now
	nextDuplicate.Fingerprint = fingerprint.Contact(nextDuplicate)

	if err := c.store.Contacts.Update(ctx, nextPrimary, primary.Fingerprint); err != nil {
		log.WithError(err).Warn("Failed to write consolidated primary")
		return nil, err
	}
	if err := c.store.Contacts.Update(ctx, nextDuplicate, duplicate.Fingerprint); err != nil {
		log.WithError(err).Warn("Failed to write superseded duplicate")
		return nil, err
	}

	repointed, err := c.store.Contacts.RepointDuplicates(ctx, duplicate.ID, primary.ID, now)
	if err != nil {
		return nil, err
	}
	for _, id := range repointed {
		if _, err := c.ledger.Record(ctx, audit.Entry{
			Actor:      decision.DecidedBy,
			Action:     models.AuditActionContactRepointed,
			EntityType: models.AuditEntityContact,
			EntityID:   id,
			Before:     map[string]any{"duplicate_of": duplicate.ID},
			After:      map[string]any{"duplicate_of": primary.ID, "updated_at": now},
		}); err != nil {
			return nil, err
		}
	}
	linksMoved, err := c.store.Sources.ReparentLinks(ctx, duplicate.ID, primary.ID)
	if err != nil {
		return nil, err
	}

	if _, err := c.ledger.Record(ctx, audit.Entry{
		Actor:      decision.DecidedBy,
		Action:     models.AuditActionContactConsolidated,
		EntityType: models.AuditEntityContact,
		EntityID:   primary.ID,
		Before:     primaryBefore,
		After:      nextPrimary,
	}); err != nil {
		return nil, err
	}
	if _, err := c.ledger.Record(ctx, audit.Entry{
		Actor:      decision.DecidedBy,
		Action:     models.AuditActionContactSuperseded,
		EntityType: models.AuditEntityContact,
		EntityID:   duplicate.ID,
		Before:     duplicateBefore,
		After:      nextDuplicate,
	}); err != nil {
		return nil, err
	}

	// rows naming the duplicate go now, in this transaction; their counterparts are rescored against the new primary
	dupRows, err := c.store.Candidates.ListByContact(ctx, duplicate.ID)
	if err != nil {
		return nil, err
	}
	counterparts := make([]string, 0, len(dupRows))
	for _, row := range dupRows {
		if other := row.Other(duplicate.ID); other != primary.ID {
			counterparts = append(counterparts, other)
		}
	}
	deleted, err := c.store.Candidates.DeleteByContact(ctx, duplicate.ID)
	if err != nil {
		return nil, err
	}

	rescored, err := c.rescorer.Rescore(ctx, nextPrimary, counterparts...)
	if err != nil {
		return nil, err
	}

	log.WithFields(map[string]any{
		"repointed":          len(repointed),
		"links_moved":        linksMoved,
		"candidates_deleted": deleted,
		"candidates_kept":    len(rescored.Candidates),
	}).Info("Consolidated contacts")

	return &Consolidation{
		Primary:           nextPrimary,
		Duplicate:         nextDuplicate,
		Repointed:         repointed,
		LinksMoved:        linksMoved,
		CandidatesDeleted: deleted,
		Rescored:          rescored,
	}, nil
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil || !b.After(*a):
		return a
	default:
		return b
	}
}
