package merging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	arena    *memory.Store
	store    *store.Store
	matcher  *matching.Service
	workflow *Workflow
	ledger   *audit.Ledger
}

type failingRescorer struct{}

func (failingRescorer) Rescore(context.Context, *models.Contact, ...string) (*matching.RefreshResult, error) {
	return nil, errors.New("rescore failed")
}

type mergeRecorder struct {
	merged [][2]string
}

func (m *mergeRecorder) ContactsMerged(_ context.Context, primary, duplicate *models.Contact, _ *models.MergeDecision) {
	m.merged = append(m.merged, [2]string{primary.ID, duplicate.ID})
}

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newHarness(t *testing.T, rescorer Rescorer) *harness {
	t.Helper()
	arena := memory.New()
	st := arena.Bundle()
	logger := silentLogger()

	matcher, err := matching.NewService(st, matching.DefaultConfig(), logger)
	require.NoError(t, err)
	if rescorer == nil {
		rescorer = matcher
	}
	ledger := audit.NewLedger(st.Audit, logger)
	workflow := NewWorkflow(st, ledger, NewConsolidator(st, ledger, rescorer, logger), logger)
	workflow.SetRefresher(matcher)
	return &harness{arena: arena, store: st, matcher: matcher, workflow: workflow, ledger: ledger}
}

func (h *harness) seed(t *testing.T, c *models.Contact) *models.Contact {
	t.Helper()
	if c.Status == "" {
		c.Status = models.ContactStatusActive
	}
	if c.Type == "" {
		c.Type = models.ContactTypePerson
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t0
	}
	c.NormalizedName = normalizers.NormalizeName(c.DisplayName)
	c.Fingerprint = fingerprint.Contact(c)
	require.NoError(t, h.store.Contacts.Create(context.Background(), c))
	return c
}

func (h *harness) get(t *testing.T, id string) *models.Contact {
	t.Helper()
	c, err := h.store.Contacts.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) actions(t *testing.T, entityType, entityID string) []string {
	t.Helper()
	events, err := h.ledger.History(context.Background(), entityType, entityID, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func TestDecide_MergeConsolidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	recorder := &mergeRecorder{}
	h.workflow.AddObserver(recorder)

	doc := "12345678900"
	primary := h.seed(t, &models.Contact{
		ID:          "p",
		DisplayName: "Maria Souza",
		Emails:      []models.Email{{Address: "maria@hr.example", IsPrimary: true}},
		Phones:      []models.Phone{{E164: "+5511987654321", NationalNumber: "11987654321", Type: models.PhoneTypeMobile, IsPrimary: true}},
	})
	duplicate := h.seed(t, &models.Contact{
		ID:          "d",
		DisplayName: "Maria S. Souza",
		Document:    &doc,
		UnitID:      models.StringPtr("unit-9"),
		Emails:      []models.Email{{Address: "maria@dir.example", IsPrimary: true}, {Address: "maria@hr.example"}},
		Phones:      []models.Phone{{E164: "+5511987654321", NationalNumber: "11987654321", Type: models.PhoneTypeWork}},
	})
	h.seed(t, &models.Contact{ID: "old", DisplayName: "Maria Souza", Status: models.ContactStatusMerged, DuplicateOf: models.StringPtr("d")})
	h.seed(t, &models.Contact{ID: "x", DisplayName: "Joana Lima", Emails: []models.Email{{Address: "maria@dir.example"}}})

	require.NoError(t, h.store.Sources.Link(ctx, models.ContactSource{ContactID: "d", SourceRecordID: "rec-1", Confidence: 1}))
	_, err := h.matcher.Refresh(ctx, "d")
	require.NoError(t, err)
	xRow, err := h.store.Candidates.Get(ctx, "d", "x")
	require.NoError(t, err)
	require.NotNil(t, xRow, "x shares an email with the duplicate")

	result, err := h.workflow.Decide(ctx, models.DecideRequest{
		PrimaryID:                    "p",
		DuplicateID:                  "d",
		Decision:                     models.DecisionMerge,
		ChosenFields:                 models.ChosenFields{models.FieldDisplayName: "Maria S. Souza"},
		ExpectedPrimaryFingerprint:   primary.Fingerprint,
		ExpectedDuplicateFingerprint: duplicate.Fingerprint,
		Actor:                        "reviewer-1",
	})
	require.NoError(t, err)
	assert.False(t, result.Revised)

	p := h.get(t, "p")
	d := h.get(t, "d")

	assert.Equal(t, "p", models.StringValue(d.DuplicateOf))
	assert.Equal(t, models.ContactStatusMerged, d.Status)
	assert.Equal(t, "p", h.arena.Root("old"))
	parent, err := h.store.Contacts.ParentOf(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "p", models.StringValue(parent), "nothing may point at a superseded duplicate")
	old := h.get(t, "old")
	assert.True(t, old.UpdatedAt.Equal(p.UpdatedAt), "a repointed child is stamped with the merge time")
	assert.Empty(t, d.Emails, "channels move to the primary")
	assert.Empty(t, d.Phones)

	assert.Equal(t, "Maria S. Souza", p.DisplayName)
	assert.Equal(t, "maria s souza", p.NormalizedName)
	assert.Equal(t, doc, models.StringValue(p.Document))
	assert.Equal(t, "unit-9", models.StringValue(p.UnitID))
	assert.ElementsMatch(t, []string{"maria@hr.example", "maria@dir.example"}, p.EmailAddresses())
	assert.Len(t, p.Phones, 1)
	primaries := 0
	for _, e := range p.Emails {
		if e.IsPrimary {
			primaries++
			assert.Equal(t, "maria@hr.example", e.Address)
		}
	}
	assert.Equal(t, 1, primaries)
	assert.Equal(t, fingerprint.Contact(p), p.Fingerprint)
	assert.NotEqual(t, primary.Fingerprint, p.Fingerprint)
	assert.Equal(t, result.Primary.Fingerprint, p.Fingerprint)

	links, err := h.store.Sources.LinksForContact(ctx, "p")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "rec-1", links[0].SourceRecordID)

	rows, err := h.store.Candidates.ListByContact(ctx, "d")
	require.NoError(t, err)
	assert.Empty(t, rows)
	xRow, err = h.store.Candidates.Get(ctx, "p", "x")
	require.NoError(t, err)
	require.NotNil(t, xRow, "the duplicate's counterpart is rescored against the primary")
	assert.Equal(t, 1.0, xRow.Features.EmailExact)

	assert.Equal(t, []string{models.AuditActionContactConsolidated}, h.actions(t, models.AuditEntityContact, "p"))
	assert.Equal(t, []string{models.AuditActionContactSuperseded}, h.actions(t, models.AuditEntityContact, "d"))
	assert.Equal(t, []string{models.AuditActionContactRepointed}, h.actions(t, models.AuditEntityContact, "old"))
	repointed, err := h.ledger.History(ctx, models.AuditEntityContact, "old", 1)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", repointed[0].Actor)
	assert.Contains(t, string(repointed[0].Before), `"duplicate_of":"d"`)
	assert.Contains(t, string(repointed[0].After), `"duplicate_of":"p"`)
	assert.Equal(t, []string{models.AuditActionMergeDecided}, h.actions(t, models.AuditEntityMergeDecision, "p:d"))

	events, err := h.ledger.History(ctx, models.AuditEntityContact, "p", 1)
	require.NoError(t, err)
	assert.Contains(t, string(events[0].Before), `"display_name":"Maria Souza"`)
	assert.Contains(t, string(events[0].After), `"display_name":"Maria S. Souza"`)
	assert.Equal(t, "reviewer-1", events[0].Actor)

	assert.Equal(t, [][2]string{{"p", "d"}}, recorder.merged)
}

func TestDecide_MergeGeneratesCandidatesOfMergedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	doc := "12345678900"
	p := h.seed(t, &models.Contact{ID: "p", DisplayName: "Maria Souza"})
	d := h.seed(t, &models.Contact{ID: "d", DisplayName: "M. Souza", Document: &doc, UnitID: models.StringPtr("u1")})
	h.seed(t, &models.Contact{ID: "c", DisplayName: "Maria Souza Lima Costa", UnitID: models.StringPtr("u1")})

	// by name alone c stays below the score floor
	_, err := h.matcher.Refresh(ctx, "p")
	require.NoError(t, err)
	row, err := h.store.Candidates.Get(ctx, "c", "p")
	require.NoError(t, err)
	require.Nil(t, row)

	_, err = h.workflow.Decide(ctx, models.DecideRequest{
		PrimaryID:                    "p",
		DuplicateID:                  "d",
		Decision:                     models.DecisionMerge,
		ExpectedPrimaryFingerprint:   p.Fingerprint,
		ExpectedDuplicateFingerprint: d.Fingerprint,
		Actor:                        "reviewer-1",
	})
	require.NoError(t, err)

	row, err = h.store.Candidates.Get(ctx, "c", "p")
	require.NoError(t, err)
	require.NotNil(t, row, "the gap-filled unit is new evidence for the primary")
	assert.Equal(t, 1.0, row.Features.SameUnit)

	pending, err := h.matcher.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].ContactAID)
}

func TestDecide_Guards(t *testing.T) {
	tests := []struct {
		name  string
		req   func(h *harness) models.DecideRequest
		check func(t *testing.T, err error)
	}{
		{
			name: "superseded duplicate",
			req: func(h *harness) models.DecideRequest {
				return models.DecideRequest{PrimaryID: "p", DuplicateID: "gone", Decision: models.DecisionMerge, Actor: "u"}
			},
			check: func(t *testing.T, err error) {
				var conflict *apperror.ConflictError
				require.ErrorAs(t, err, &conflict)
				assert.Equal(t, apperror.ConflictSuperseded, conflict.Reason)
			},
		},
		{
			name: "stale primary fingerprint",
			req: func(h *harness) models.DecideRequest {
				return models.DecideRequest{PrimaryID: "p", DuplicateID: "d", Decision: models.DecisionMerge, Actor: "u", ExpectedPrimaryFingerprint: "stale"}
			},
			check: func(t *testing.T, err error) {
				var conflict *apperror.ConflictError
				require.ErrorAs(t, err, &conflict)
				assert.Equal(t, apperror.ConflictStaleFingerprint, conflict.Reason)
				assert.Equal(t, "p", conflict.EntityID)
			},
		},
		{
			name: "missing contact",
			req: func(h *harness) models.DecideRequest {
				return models.DecideRequest{PrimaryID: "p", DuplicateID: "nobody", Decision: models.DecisionReject, Actor: "u"}
			},
			check: func(t *testing.T, err error) { assert.True(t, apperror.IsNotFound(err)) },
		},
		{
			name: "chosen value from neither side",
			req: func(h *harness) models.DecideRequest {
				return models.DecideRequest{PrimaryID: "p", DuplicateID: "d", Decision: models.DecisionMerge, Actor: "u",
					ChosenFields: models.ChosenFields{models.FieldDisplayName: "Someone Else"}}
			},
			check: func(t *testing.T, err error) {
				var verr *apperror.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, models.FieldDisplayName, verr.Field)
			},
		},
		{
			name: "missing actor",
			req: func(h *harness) models.DecideRequest {
				return models.DecideRequest{PrimaryID: "p", DuplicateID: "d", Decision: models.DecisionMerge}
			},
			check: func(t *testing.T, err error) { assert.True(t, apperror.IsValidation(err)) },
		},
		{
			name: "same contact twice",
			req: func(h *harness) models.DecideRequest {
				return models.DecideRequest{PrimaryID: "p", DuplicateID: "p", Decision: models.DecisionMerge, Actor: "u"}
			},
			check: func(t *testing.T, err error) { assert.True(t, apperror.IsValidation(err)) },
		},
		{
			name: "chosen fields on a reject",
			req: func(h *harness) models.DecideRequest {
				return models.DecideRequest{PrimaryID: "p", DuplicateID: "d", Decision: models.DecisionReject, Actor: "u",
					ChosenFields: models.ChosenFields{models.FieldDisplayName: "Maria"}}
			},
			check: func(t *testing.T, err error) { assert.True(t, apperror.IsValidation(err)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.seed(t, &models.Contact{ID: "p", DisplayName: "Maria"})
			h.seed(t, &models.Contact{ID: "d", DisplayName: "Maria Souza"})
			h.seed(t, &models.Contact{ID: "gone", DisplayName: "Maria", Status: models.ContactStatusMerged, DuplicateOf: models.StringPtr("d")})
			before := h.arena.Stats()

			_, err := h.workflow.Decide(context.Background(), tt.req(h))
			tt.check(t, err)

			assert.Equal(t, before, h.arena.Stats(), "a refused decision writes nothing")
		})
	}
}

func TestDecide_ConsolidationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failingRescorer{})
	p := h.seed(t, &models.Contact{ID: "p", DisplayName: "Maria"})
	d := h.seed(t, &models.Contact{ID: "d", DisplayName: "Maria Souza"})

	_, err := h.workflow.Decide(ctx, models.DecideRequest{PrimaryID: "p", DuplicateID: "d", Decision: models.DecisionMerge, Actor: "u"})
	require.Error(t, err)

	decision, err := h.store.Decisions.Get(ctx, "p", "d")
	require.NoError(t, err)
	assert.Nil(t, decision)
	assert.Equal(t, p.Fingerprint, h.get(t, "p").Fingerprint)
	assert.Nil(t, h.get(t, "d").DuplicateOf)
	assert.Equal(t, d.Fingerprint, h.get(t, "d").Fingerprint)
	assert.Zero(t, h.arena.Stats().AuditEvents)
}

func TestDecide_Revision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, &models.Contact{ID: "p", DisplayName: "Maria"})
	h.seed(t, &models.Contact{ID: "d", DisplayName: "Maria Souza"})

	first, err := h.workflow.Decide(ctx, models.DecideRequest{PrimaryID: "p", DuplicateID: "d", Decision: models.DecisionReject, Actor: "u1"})
	require.NoError(t, err)
	assert.False(t, first.Revised)
	assert.Nil(t, h.get(t, "d").DuplicateOf)

	second, err := h.workflow.Decide(ctx, models.DecideRequest{PrimaryID: "p", DuplicateID: "d", Decision: models.DecisionMerge, Actor: "u2"})
	require.NoError(t, err)
	assert.True(t, second.Revised)
	assert.Equal(t, "p", models.StringValue(h.get(t, "d").DuplicateOf))

	stored, err := h.workflow.Get(ctx, "p", "d")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionMerge, stored.Decision)
	assert.Equal(t, "u2", stored.DecidedBy)

	assert.Equal(t, []string{models.AuditActionMergeRevised, models.AuditActionMergeDecided}, h.actions(t, models.AuditEntityMergeDecision, "p:d"))

	verify, err := h.ledger.Verify(ctx, models.AuditEntityMergeDecision, "p:d")
	require.NoError(t, err)
	assert.True(t, verify.Valid)

	// once consolidated, the duplicate is superseded and the merge can no longer be revised
	_, err = h.workflow.Decide(ctx, models.DecideRequest{PrimaryID: "p", DuplicateID: "d", Decision: models.DecisionReject, Actor: "u3"})
	var conflict *apperror.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, apperror.ConflictSuperseded, conflict.Reason)
}

func TestWorkflow_GetMissing(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.workflow.Get(context.Background(), "a", "b")
	assert.True(t, apperror.IsNotFound(err))
}

func TestAutoDecide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	policy, err := NewPolicy(DefaultPolicy)
	require.NoError(t, err)
	h.workflow.SetPolicy(policy)
	h.matcher.SetAutoDecider(h.workflow)

	doc := "12345678900"
	h.seed(t, &models.Contact{ID: "newer", DisplayName: "Maria Souza", Document: &doc, CreatedAt: t0.Add(time.Hour)})
	h.seed(t, &models.Contact{ID: "older", DisplayName: "Maria Souza", Document: &doc})
	h.seed(t, &models.Contact{ID: "weak", DisplayName: "Maria Souza"})

	_, err = h.matcher.Refresh(ctx, "newer")
	require.NoError(t, err)

	decision, err := h.workflow.Get(ctx, "older", "newer")
	require.NoError(t, err)
	assert.Equal(t, PolicyActor, decision.DecidedBy)
	assert.Equal(t, "older", models.StringValue(h.get(t, "newer").DuplicateOf))
	assert.Nil(t, h.get(t, "weak").DuplicateOf, "a name-only match never auto-merges")
}

func TestAutoDecide_SkipsDecidedPairs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	policy, err := NewPolicy("true")
	require.NoError(t, err)
	h.workflow.SetPolicy(policy)

	h.seed(t, &models.Contact{ID: "a", DisplayName: "Maria"})
	h.seed(t, &models.Contact{ID: "b", DisplayName: "Maria"})
	_, err = h.workflow.Decide(ctx, models.DecideRequest{PrimaryID: "b", DuplicateID: "a", Decision: models.DecisionReject, Actor: "u"})
	require.NoError(t, err)

	require.NoError(t, h.workflow.AutoDecide(ctx, []models.MergeCandidate{{ContactAID: "a", ContactBID: "b", Score: 1}}))
	assert.Nil(t, h.get(t, "a").DuplicateOf)
	assert.Nil(t, h.get(t, "b").DuplicateOf)
}

func TestAutoDecide_NoPolicy(t *testing.T) {
	h := newHarness(t, nil)
	assert.NoError(t, h.workflow.AutoDecide(context.Background(), []models.MergeCandidate{{ContactAID: "a", ContactBID: "b", Score: 1}}))
}
