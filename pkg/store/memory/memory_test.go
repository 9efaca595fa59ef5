package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
)

func newContact(id, name string) *models.Contact {
	return &models.Contact{
		ID:             id,
		Type:           models.ContactTypePerson,
		DisplayName:    name,
		NormalizedName: name,
		Status:         models.ContactStatusActive,
		Fingerprint:    "fp-" + id,
	}
}

func TestWithinTx_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	st := s.Bundle()

	boom := errors.New("boom")
	err := st.Tx.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, st.Contacts.Create(ctx, newContact("c1", "maria souza")))
		_, err := st.Contacts.Get(ctx, "c1")
		require.NoError(t, err, "writes are visible inside the transaction")
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.Contacts.Get(ctx, "c1")
	assert.True(t, apperror.IsNotFound(err))
	assert.Equal(t, 0, s.Stats().Contacts)
}

func TestWithinTx_NestedJoinsOuter(t *testing.T) {
	ctx := context.Background()
	s := New()
	st := s.Bundle()

	err := st.Tx.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, st.Contacts.Create(ctx, newContact("c1", "a")))
		return st.Tx.WithinTx(ctx, func(ctx context.Context) error {
			return st.Contacts.Create(ctx, newContact("c2", "b"))
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Stats().Contacts)
}

func TestContacts_UpdateCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	st := New().Bundle()
	require.NoError(t, st.Contacts.Create(ctx, newContact("c1", "maria")))

	next := newContact("c1", "maria souza")
	next.Fingerprint = "fp-2"
	require.NoError(t, st.Contacts.Update(ctx, next, "fp-c1"))

	stale := newContact("c1", "other")
	err := st.Contacts.Update(ctx, stale, "fp-c1")
	var conflict *apperror.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, apperror.ConflictStaleFingerprint, conflict.Reason)

	got, err := st.Contacts.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "maria souza", got.DisplayName)
}

func TestContacts_ReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	st := New().Bundle()
	c := newContact("c1", "maria")
	c.Emails = []models.Email{{Address: "maria@x.com"}}
	require.NoError(t, st.Contacts.Create(ctx, c))

	c.Emails[0].Address = "changed@x.com"
	got, err := st.Contacts.Get(ctx, "c1")
	require.NoError(t, err)
	got.DisplayName = "mutated"

	again, err := st.Contacts.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "maria", again.DisplayName)
	assert.Equal(t, "maria@x.com", again.Emails[0].Address)
}

func TestContacts_LookupsSkipSupersededAndInactive(t *testing.T) {
	ctx := context.Background()
	st := New().Bundle()

	doc := "12345678900"
	active := newContact("a", "maria souza")
	active.Document = &doc
	active.Emails = []models.Email{{Address: "maria@x.com"}}
	active.Phones = []models.Phone{{E164: "+5511987654321", NationalNumber: "11987654321"}}

	merged := newContact("b", "maria souza")
	merged.Document = &doc
	merged.Emails = []models.Email{{Address: "maria@x.com"}}
	merged.DuplicateOf = models.StringPtr("a")
	merged.Status = models.ContactStatusMerged

	inactive := newContact("c", "maria souza")
	inactive.Status = models.ContactStatusInactive
	inactive.Phones = []models.Phone{{E164: "+5511987654321", NationalNumber: "11987654321"}}

	for _, c := range []*models.Contact{active, merged, inactive} {
		require.NoError(t, st.Contacts.Create(ctx, c))
	}

	ids, err := st.Contacts.FindByDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	ids, err = st.Contacts.FindByEmails(ctx, []string{"maria@x.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	ids, err = st.Contacts.FindByNationalNumbers(ctx, []string{"11987654321"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	matches, err := st.Contacts.FindSimilarNames(ctx, "maria souza", "", 0.3, 20)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].ContactID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestContacts_FindSimilarNamesExcludesSubject(t *testing.T) {
	ctx := context.Background()
	st := New().Bundle()
	for _, id := range []string{"a", "b"} {
		c := newContact(id, "maria souza")
		require.NoError(t, st.Contacts.Create(ctx, c))
	}

	matches, err := st.Contacts.FindSimilarNames(ctx, "maria souza", "a", 0.3, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1, "the subject does not take one of the limited slots")
	assert.Equal(t, "b", matches[0].ContactID)
}

func TestContacts_RepointDuplicates(t *testing.T) {
	ctx := context.Background()
	s := New()
	st := s.Bundle()

	root := newContact("root", "r")
	mid := newContact("mid", "m")
	leaf := newContact("leaf", "l")
	leaf.DuplicateOf = models.StringPtr("mid")
	for _, c := range []*models.Contact{root, mid, leaf} {
		require.NoError(t, st.Contacts.Create(ctx, c))
	}

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	ids, err := st.Contacts.RepointDuplicates(ctx, "mid", "root", at)
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf"}, ids)
	moved, err := st.Contacts.Get(ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, at, moved.UpdatedAt)

	parent, err := st.Contacts.ParentOf(ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, "root", models.StringValue(parent))
	assert.Equal(t, "root", s.Root("leaf"))
}

func TestSources_VersionsAndLinks(t *testing.T) {
	ctx := context.Background()
	st := New().Bundle()

	latest, err := st.Sources.Latest(ctx, "crm", "42")
	require.NoError(t, err)
	assert.Nil(t, latest)

	v1 := &models.SourceRecord{Source: "crm", SourceKey: "42", Version: 1, ContentHash: "h1", Payload: []byte(`{}`)}
	v2 := &models.SourceRecord{Source: "crm", SourceKey: "42", Version: 2, ContentHash: "h2", Payload: []byte(`{}`)}
	require.NoError(t, st.Sources.Insert(ctx, v1))
	require.NoError(t, st.Sources.Insert(ctx, v2))
	require.Error(t, st.Sources.Insert(ctx, &models.SourceRecord{Source: "crm", SourceKey: "42", Version: 2}))

	latest, err = st.Sources.Latest(ctx, "crm", "42")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	require.NoError(t, st.Sources.Link(ctx, models.ContactSource{ContactID: "a", SourceRecordID: v1.ID, Confidence: 1}))
	require.NoError(t, st.Sources.Link(ctx, models.ContactSource{ContactID: "a", SourceRecordID: v1.ID, Confidence: 0.5}))
	links, err := st.Sources.LinksForContact(ctx, "a")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, 1.0, links[0].Confidence)

	linked, err := st.Sources.LinkedContact(ctx, "crm", "42")
	require.NoError(t, err)
	assert.Equal(t, "a", models.StringValue(linked))

	n, err := st.Sources.ReparentLinks(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	linked, err = st.Sources.LinkedContact(ctx, "crm", "42")
	require.NoError(t, err)
	assert.Equal(t, "b", models.StringValue(linked))
}

func TestCandidates_ListPendingOrderAndDecisions(t *testing.T) {
	ctx := context.Background()
	st := New().Bundle()
	now := time.Now()

	pairs := []models.MergeCandidate{
		{ContactAID: "b", ContactBID: "a", Score: 0.8, ActivityAt: now},
		{ContactAID: "c", ContactBID: "d", Score: 0.9, ActivityAt: now},
		{ContactAID: "e", ContactBID: "f", Score: 0.8, ActivityAt: now.Add(time.Minute)},
		{ContactAID: "g", ContactBID: "h", Score: 0.95, ActivityAt: now},
	}
	for i := range pairs {
		require.NoError(t, st.Candidates.Upsert(ctx, &pairs[i]))
	}
	assert.Equal(t, "a", pairs[0].ContactAID, "pairs are stored in canonical order")

	require.NoError(t, st.Decisions.Upsert(ctx, &models.MergeDecision{PrimaryID: "h", DuplicateID: "g", Decision: models.DecisionReject}))

	pending, err := st.Candidates.ListPending(ctx, 0)
	require.NoError(t, err)
	var keys []string
	for _, c := range pending {
		keys = append(keys, c.PairKey())
	}
	assert.Equal(t, []string{"c:d", "e:f", "a:b"}, keys)

	pending, err = st.Candidates.ListPending(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	n, err := st.Candidates.DeleteByContact(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := st.Candidates.Get(ctx, "a", "b")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCandidates_UpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	st := New().Bundle()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.Candidates.Upsert(ctx, &models.MergeCandidate{ContactAID: "a", ContactBID: "b", Score: 0.5, CreatedAt: created}))
	require.NoError(t, st.Candidates.Upsert(ctx, &models.MergeCandidate{ContactAID: "b", ContactBID: "a", Score: 0.7, CreatedAt: created.Add(time.Hour)}))

	got, err := st.Candidates.Get(ctx, "b", "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.7, got.Score)
	assert.Equal(t, created, got.CreatedAt)
}

func TestAudit_AppendRejectsFork(t *testing.T) {
	ctx := context.Background()
	st := New().Bundle()

	first := &models.AuditEvent{EntityType: models.AuditEntityContact, EntityID: "a", Hash: "h1"}
	require.NoError(t, st.Audit.Append(ctx, first))
	assert.Equal(t, int64(1), first.Seq)

	second := &models.AuditEvent{EntityType: models.AuditEntityContact, EntityID: "a", PrevHash: "h1", Hash: "h2"}
	require.NoError(t, st.Audit.Append(ctx, second))

	fork := &models.AuditEvent{EntityType: models.AuditEntityContact, EntityID: "a", PrevHash: "h1", Hash: "h3"}
	require.Error(t, st.Audit.Append(ctx, fork))

	last, err := st.Audit.LastHash(ctx, models.AuditEntityContact, "a")
	require.NoError(t, err)
	assert.Equal(t, "h2", last)

	events, err := st.Audit.ListByEntity(ctx, models.AuditEntityContact, "a", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "h2", events[0].Hash)
}

func TestReceipts_RecordAndPrune(t *testing.T) {
	ctx := context.Background()
	st := New().Bundle()
	now := time.Now()

	require.NoError(t, st.Receipts.Record(ctx, models.WebhookReceipt{Source: "crm", Nonce: "n1", ReceivedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, st.Receipts.Record(ctx, models.WebhookReceipt{Source: "crm", Nonce: "n2", ReceivedAt: now}))
	require.NoError(t, st.Receipts.Record(ctx, models.WebhookReceipt{Source: "erp", Nonce: "n1", ReceivedAt: now}))

	err := st.Receipts.Record(ctx, models.WebhookReceipt{Source: "crm", Nonce: "n1", ReceivedAt: now})
	assert.True(t, apperror.IsDuplicateEvent(err))

	n, err := st.Receipts.PruneBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, st.Receipts.Record(ctx, models.WebhookReceipt{Source: "crm", Nonce: "n1", ReceivedAt: now}))
}
