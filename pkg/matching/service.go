// Package matching finds and scores potential duplicate contacts.
// The Generator runs the lookups, the Scorer weighs the evidence and the Service keeps the merge_candidates rows current.
package matching

import (
	"context"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// AutoDecider receives freshly scored candidates. merging.Workflow implements it.
type AutoDecider interface {
	AutoDecide(ctx context.Context, candidates []models.MergeCandidate) error
}

// RefreshResult lists the rows a refresh kept and how many it removed
type RefreshResult struct {
	ContactID  string                  `json:"contact_id"`
	Candidates []models.MergeCandidate `json:"candidates"`
	Deleted    int                     `json:"deleted"`
}

// Service keeps merge_candidates in step with contact state
type Service struct {
	store     *store.Store
	generator *Generator
	scorer    *Scorer
	cfg       Config
	logger    ectologger.Logger
	decider   AutoDecider
	now       func() time.Time
}

func NewService(st *store.Store, cfg Config, logger ectologger.Logger) (*Service, error) {
	scorer, err := NewScorer(cfg)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:     st,
		generator: NewGenerator(st.Contacts, cfg, logger),
		scorer:    scorer,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetAutoDecider enables automatic decisions after each Refresh
func (s *Service) SetAutoDecider(decider AutoDecider) {
	s.decider = decider
}

func (s *Service) Scorer() *Scorer {
	return s.scorer
}

// Refresh generates and rescores the candidates of one contact.
// Existing rows of the contact are rescored too, so rows whose evidence went away fall below the floor and are removed.
// Must run outside a transaction.
func (s *Service) Refresh(ctx context.Context, contactID string) (*RefreshResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.Refresh")
	defer span.End()

	start := time.Now()
	defer func() { metrics.RefreshDuration.Observe(time.Since(start).Seconds()) }()

	subject, err := s.store.Contacts.Get(ctx, contactID)
	if err != nil {
		return nil, err
	}

	generated, err := s.generator.Generate(ctx, subject)
	if err != nil {
		return nil, err
	}

	result, err := s.rescore(ctx, subject, generated)
	if err != nil {
		return nil, err
	}

	if s.decider != nil {
		suggested := make([]models.MergeCandidate, 0, len(result.Candidates))
		for _, c := range result.Candidates {
			if c.AutoSuggest {
				suggested = append(suggested, c)
			}
		}
		if len(suggested) > 0 {
			if err := s.decider.AutoDecide(ctx, suggested); err != nil {
				s.logger.WithContext(ctx).WithError(err).WithField("contact_id", contactID).Warn("Auto-merge policy failed")
			}
		}
	}

	return result, nil
}

// Rescore re-evaluates every existing candidate row of subject plus the given counterparts.
// It does not run lookups, so it is safe inside a transaction.
func (s *Service) Rescore(ctx context.Context, subject *models.Contact, counterpartIDs ...string) (*RefreshResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.Rescore")
	defer span.End()

	var counterparts []*models.Contact
	if len(counterpartIDs) > 0 {
		var err error
		counterparts, err = s.store.Contacts.GetMany(ctx, counterpartIDs)
		if err != nil {
			return nil, err
		}
	}
	return s.rescore(ctx, subject, counterparts)
}

func (s *Service) rescore(ctx context.Context, subject *models.Contact, counterparts []*models.Contact) (*RefreshResult, error) {
	log := s.logger.WithContext(ctx).WithField("contact_id", subject.ID)
	result := &RefreshResult{ContactID: subject.ID, Candidates: []models.MergeCandidate{}}

	if !subject.IsMatchable() {
		n, err := s.store.Candidates.DeleteByContact(ctx, subject.ID)
		if err != nil {
			log.WithError(err).Error("Failed to delete candidates of unmatchable contact")
			return nil, err
		}
		result.Deleted = int(n)
		metrics.CandidatesScoredTotal.WithLabelValues("unmatchable").Add(float64(n))
		return result, nil
	}

	existing, err := s.store.Candidates.ListByContact(ctx, subject.ID)
	if err != nil {
		log.WithError(err).Error("Failed to list existing candidates")
		return nil, err
	}

	others := make(map[string]*models.Contact, len(counterparts)+len(existing))
	for _, c := range counterparts {
		if c.ID != subject.ID {
			others[c.ID] = c
		}
	}
	var missing []string
	for _, row := range existing {
		if id := row.Other(subject.ID); others[id] == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		loaded, err := s.store.Contacts.GetMany(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, c := range loaded {
			others[c.ID] = c
		}
	}

	hasRow := make(map[string]bool, len(existing))
	for _, row := range existing {
		hasRow[row.Other(subject.ID)] = true
	}

	ids := make([]string, 0, len(others)+len(hasRow))
	for id := range others {
		ids = append(ids, id)
	}
	for id := range hasRow {
		if others[id] == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	now := s.now()
	for _, id := range ids {
		other := others[id]
		if other == nil || !other.IsMatchable() {
			if hasRow[id] {
				if err := s.store.Candidates.Delete(ctx, subject.ID, id); err != nil {
					return nil, err
				}
				result.Deleted++
			}
			metrics.CandidatesScoredTotal.WithLabelValues("unmatchable").Inc()
			continue
		}

		candidate := s.scorer.Candidate(subject, other, now)
		if !s.scorer.AboveFloor(candidate.Score) {
			if hasRow[id] {
				if err := s.store.Candidates.Delete(ctx, subject.ID, id); err != nil {
					return nil, err
				}
				result.Deleted++
			}
			metrics.CandidatesScoredTotal.WithLabelValues("below_floor").Inc()
			continue
		}

		if err := s.store.Candidates.Upsert(ctx, &candidate); err != nil {
			log.WithError(err).WithField("other_id", id).Error("Failed to upsert candidate")
			return nil, err
		}
		result.Candidates = append(result.Candidates, candidate)
		metrics.CandidatesScoredTotal.WithLabelValues("upserted").Inc()
	}

	sort.Slice(result.Candidates, func(i, j int) bool { return result.Candidates[i].Less(result.Candidates[j]) })

	log.WithFields(map[string]any{
		"kept":    len(result.Candidates),
		"deleted": result.Deleted,
	}).Debug("Refreshed candidates")

	return result, nil
}

// RefreshMany refreshes each distinct contact with at most WorkerCount refreshes in flight.
// The first failure cancels the rest.
func (s *Service) RefreshMany(ctx context.Context, contactIDs []string) error {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.RefreshMany")
	defer span.End()

	seen := make(map[string]struct{}, len(contactIDs))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.WorkerCount)
	for _, id := range contactIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		eg.Go(func() error {
			_, err := s.Refresh(egctx, id)
			return err
		})
	}
	return eg.Wait()
}

// DefaultPendingLimit bounds the review queue when the caller gives no limit
const DefaultPendingLimit = 100

// Pending returns undecided candidates, score DESC then most recent activity.
// The result is never nil.
func (s *Service) Pending(ctx context.Context, limit int) ([]models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Service.Pending")
	defer span.End()

	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	candidates, err := s.store.Candidates.ListPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	if candidates == nil {
		candidates = []models.MergeCandidate{}
	}
	return candidates, nil
}
