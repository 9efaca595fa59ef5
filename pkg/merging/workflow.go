// Package merging records merge decisions and consolidates accepted duplicates.
package merging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// PolicyActor is the actor recorded on decisions taken by the auto-merge policy
const PolicyActor = "policy:auto-merge"

// MergeObserver is told about committed merges. Observers run after the transaction and cannot fail it.
type MergeObserver interface {
	ContactsMerged(ctx context.Context, primary, duplicate *models.Contact, decision *models.MergeDecision)
}

// Refresher regenerates the candidates of contacts after a commit. matching.Service implements it.
type Refresher interface {
	RefreshMany(ctx context.Context, contactIDs []string) error
}

type Workflow struct {
	store        *store.Store
	ledger       *audit.Ledger
	consolidator *Consolidator
	policy       *Policy
	refresher    Refresher
	observers    []MergeObserver
	logger       ectologger.Logger
	now          func() time.Time
}

func NewWorkflow(st *store.Store, ledger *audit.Ledger, consolidator *Consolidator, logger ectologger.Logger) *Workflow {
	return &Workflow{
		store:        st,
		ledger:       ledger,
		consolidator: consolidator,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetPolicy enables AutoDecide. A nil policy disables it.
func (w *Workflow) SetPolicy(policy *Policy) {
	w.policy = policy
}

// SetRefresher runs candidate generation on the consolidated primary after each merge
func (w *Workflow) SetRefresher(refresher Refresher) {
	w.refresher = refresher
}

func (w *Workflow) AddObserver(observer MergeObserver) {
	w.observers = append(w.observers, observer)
}

// Decide records a decision for the ordered pair and, for MERGE, consolidates in the same transaction.
func (w *Workflow) Decide(ctx context.Context, req models.DecideRequest) (*models.DecisionResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Workflow.Decide")
	defer span.End()

	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"primary_id":   req.PrimaryID,
		"duplicate_id": req.DuplicateID,
		"decision":     req.Decision,
		"actor":        req.Actor,
	})

	if _, err := utils.Validate(req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperror.NewValidationError("actor", req.Actor, "an actor is required to decide")
	}
	if req.Decision == models.DecisionReject && len(req.ChosenFields) > 0 {
		return nil, apperror.NewValidationError("chosen_fields", "", "chosen fields only apply to MERGE")
	}

	var result *models.DecisionResult
	err := w.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := w.store.Contacts.GetForUpdate(ctx, req.PrimaryID, req.DuplicateID)
		if err != nil {
			return err
		}
		primary, duplicate := locked[req.PrimaryID], locked[req.DuplicateID]

		for _, c := range []*models.Contact{primary, duplicate} {
			if c.IsSuperseded() {
				return apperror.NewConflictError(apperror.ConflictSuperseded, c.ID, "contact "+c.ID+" has already been merged into "+*c.DuplicateOf)
			}
		}
		if req.ExpectedPrimaryFingerprint != "" && req.ExpectedPrimaryFingerprint != primary.Fingerprint {
			return apperror.NewStaleFingerprintError(primary.ID)
		}
		if req.ExpectedDuplicateFingerprint != "" && req.ExpectedDuplicateFingerprint != duplicate.Fingerprint {
			return apperror.NewStaleFingerprintError(duplicate.ID)
		}
		if req.Decision == models.DecisionMerge {
			// fail before anything is written so the error is a clean 422
			if err := ValidateChosenFields(primary, duplicate, req.ChosenFields); err != nil {
				return err
			}
		}

		previous, err := w.store.Decisions.Get(ctx, req.PrimaryID, req.DuplicateID)
		if err != nil {
			return err
		}

		decision := &models.MergeDecision{
			PrimaryID:    req.PrimaryID,
			DuplicateID:  req.DuplicateID,
			Decision:     req.Decision,
			ChosenFields: req.ChosenFields,
			DecidedBy:    req.Actor,
			DecidedAt:    w.now(),
		}
		if decision.ChosenFields == nil {
			decision.ChosenFields = models.ChosenFields{}
		}
		if err := w.store.Decisions.Upsert(ctx, decision); err != nil {
			return err
		}

		action := models.AuditActionMergeDecided
		var before any
		if previous != nil {
			action = models.AuditActionMergeRevised
			before = previous
		}
		if _, err := w.ledger.Record(ctx, audit.Entry{
			Actor:      req.Actor,
			Action:     action,
			EntityType: models.AuditEntityMergeDecision,
			EntityID:   models.DecisionEntityID(req.PrimaryID, req.DuplicateID),
			Before:     before,
			After:      decision,
		}); err != nil {
			return err
		}

		result = &models.DecisionResult{Decision: decision, Revised: previous != nil, Primary: primary, Duplicate: duplicate}
		if req.Decision != models.DecisionMerge {
			return nil
		}

		consolidation, err := w.consolidator.Consolidate(ctx, primary, duplicate, decision)
		if err != nil {
			return err
		}
		result.Primary = consolidation.Primary
		result.Duplicate = consolidation.Duplicate
		return nil
	})
	if err != nil {
		var conflict *apperror.ConflictError
		if errors.As(err, &conflict) {
			metrics.RecordConflict(string(conflict.Reason))
			log.WithError(err).Warn("Merge decision conflicted")
		} else if !apperror.IsNotFound(err) && !apperror.IsValidation(err) {
			log.WithError(err).Error("Failed to record merge decision")
		}
		return nil, err
	}

	metrics.RecordDecision(string(req.Decision), actorKind(req.Actor))
	log.WithField("revised", result.Revised).Info("Recorded merge decision")

	if req.Decision == models.DecisionMerge {
		for _, o := range w.observers {
			o.ContactsMerged(ctx, result.Primary, result.Duplicate, result.Decision)
		}
		// the merged state can match contacts neither side matched alone
		if w.refresher != nil {
			if err := w.refresher.RefreshMany(ctx, []string{result.Primary.ID}); err != nil {
				log.WithError(err).Warn("Failed to refresh merge candidates of consolidated primary")
			}
		}
	}
	return result, nil
}

// Get returns the decision for an ordered pair
func (w *Workflow) Get(ctx context.Context, primaryID, duplicateID string) (*models.MergeDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Workflow.Get")
	defer span.End()

	decision, err := w.store.Decisions.Get(ctx, primaryID, duplicateID)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		return nil, apperror.NewNotFoundError("merge_decision", models.DecisionEntityID(primaryID, duplicateID))
	}
	return decision, nil
}

// AutoDecide merges the candidates the auto-merge policy accepts. The older contact becomes the primary.
// Pairs already decided in either order are left alone, and conflicts are skipped rather than retried.
func (w *Workflow) AutoDecide(ctx context.Context, candidates []models.MergeCandidate) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Workflow.AutoDecide")
	defer span.End()

	if w.policy == nil {
		return nil
	}

	var errs []error
	for _, candidate := range candidates {
		log := w.logger.WithContext(ctx).WithFields(map[string]any{
			"contact_a_id": candidate.ContactAID,
			"contact_b_id": candidate.ContactBID,
			"score":        candidate.Score,
		})

		matched, err := w.policy.Matches(candidate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !matched {
			continue
		}

		req, skip, err := w.autoRequest(ctx, candidate)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if skip {
			continue
		}

		if _, err := w.Decide(ctx, req); err != nil {
			if apperror.IsConflict(err) || apperror.IsNotFound(err) {
				log.WithError(err).Info("Skipped auto-merge after conflict")
				continue
			}
			errs = append(errs, err)
			continue
		}
		log.WithFields(map[string]any{"primary_id": req.PrimaryID, "duplicate_id": req.DuplicateID}).Info("Auto-merged contacts")
	}
	return errors.Join(errs...)
}

func (w *Workflow) autoRequest(ctx context.Context, candidate models.MergeCandidate) (models.DecideRequest, bool, error) {
	for _, pair := range [][2]string{{candidate.ContactAID, candidate.ContactBID}, {candidate.ContactBID, candidate.ContactAID}} {
		existing, err := w.store.Decisions.Get(ctx, pair[0], pair[1])
		if err != nil {
			return models.DecideRequest{}, false, err
		}
		if existing != nil {
			return models.DecideRequest{}, true, nil
		}
	}

	pair, err := w.store.Contacts.GetMany(ctx, []string{candidate.ContactAID, candidate.ContactBID})
	if err != nil {
		return models.DecideRequest{}, false, err
	}
	if len(pair) != 2 || !pair[0].IsMatchable() || !pair[1].IsMatchable() {
		return models.DecideRequest{}, true, nil
	}
	sort.Slice(pair, func(i, j int) bool {
		if !pair[i].CreatedAt.Equal(pair[j].CreatedAt) {
			return pair[i].CreatedAt.Before(pair[j].CreatedAt)
		}
		return pair[i].ID < pair[j].ID
	})

	return models.DecideRequest{
		PrimaryID:                    pair[0].ID,
		DuplicateID:                  pair[1].ID,
		Decision:                     models.DecisionMerge,
		ExpectedPrimaryFingerprint:   pair[0].Fingerprint,
		ExpectedDuplicateFingerprint: pair[1].Fingerprint,
		Actor:                        PolicyActor,
	}, false, nil
}

func actorKind(actor string) string {
	if strings.HasPrefix(actor, "policy:") {
		return "policy"
	}
	return "user"
}
