package contacts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

type recordingObserver struct {
	mu      sync.Mutex
	created []string
	updated []string
}

func (r *recordingObserver) ContactCreated(_ context.Context, c *models.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, c.ID)
}

func (r *recordingObserver) ContactUpdated(_ context.Context, before, after *models.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, before.DisplayName+"->"+after.DisplayName)
}

type fixture struct {
	arena    *memory.Store
	store    *store.Store
	ledger   *audit.Ledger
	service  *Service
	observer *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	arena := memory.New()
	st := arena.Bundle()
	matcher, err := matching.NewService(st, matching.DefaultConfig(), logger)
	require.NoError(t, err)
	ledger := audit.NewLedger(st.Audit, logger)

	svc := NewService(st, ledger, matcher, Options{DefaultRegion: "BR"}, logger)
	observer := &recordingObserver{}
	svc.AddObserver(observer)
	return &fixture{arena: arena, store: st, ledger: ledger, service: svc, observer: observer}
}

func (f *fixture) create(t *testing.T, input models.ContactInput) *models.Contact {
	t.Helper()
	result, err := f.service.Create(context.Background(), input, "tester")
	require.NoError(t, err)
	return result.Contact
}

func (f *fixture) actions(t *testing.T, id string) []string {
	t.Helper()
	events, err := f.ledger.History(context.Background(), models.AuditEntityContact, id, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	existing := f.create(t, models.ContactInput{Name: "Maria Souza", Document: "123.456.789-00"})

	result, err := f.service.Create(ctx, models.ContactInput{
		Name:     "  Maria   Souza ",
		Document: "12345678900",
		Emails: []models.EmailInput{
			{Address: "Maria@Example.com", IsPrimary: true},
			{Address: "not-an-email"},
		},
		Phones: []models.PhoneInput{{Number: "(11) 98765-4321", Type: models.PhoneTypeMobile}},
	}, "tester")
	require.NoError(t, err)

	c := result.Contact
	assert.True(t, result.Created)
	assert.Equal(t, "Maria Souza", c.DisplayName)
	assert.Equal(t, "maria souza", c.NormalizedName)
	assert.Equal(t, models.ContactTypePerson, c.Type)
	assert.Equal(t, models.ContactStatusActive, c.Status)
	assert.Equal(t, "12345678900", models.StringValue(c.Document))
	assert.Equal(t, []string{"maria@example.com"}, c.EmailAddresses())
	require.Len(t, c.Phones, 1)
	assert.Equal(t, "+5511987654321", c.Phones[0].E164)
	assert.NotEmpty(t, c.Fingerprint)

	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "email", result.Warnings[0].Field)

	stored, err := f.service.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Fingerprint, stored.Fingerprint)
	assert.Equal(t, []string{models.AuditActionContactCreated}, f.actions(t, c.ID))

	a, b := models.CanonicalPair(existing.ID, c.ID)
	candidate, err := f.store.Candidates.Get(ctx, a, b)
	require.NoError(t, err)
	require.NotNil(t, candidate, "a new contact sharing a document is suggested immediately")
	assert.True(t, candidate.AutoSuggest)

	assert.Equal(t, []string{existing.ID, c.ID}, f.observer.created)
}

func TestCreate_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		input     models.ContactInput
		wantField string
	}{
		{name: "missing name", input: models.ContactInput{}, wantField: "name"},
		{name: "punctuation only name", input: models.ContactInput{Name: "?!"}, wantField: "name"},
		{name: "unknown contact type", input: models.ContactInput{Name: "Maria", Type: "ROBOT"}, wantField: "type"},
		{name: "bad phone type", input: models.ContactInput{Name: "Maria", Phones: []models.PhoneInput{{Number: "11987654321", Type: "FAX"}}}, wantField: "phones[0].type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.service.Create(context.Background(), tt.input, "tester")
			var verr *apperror.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
			assert.Zero(t, f.arena.Stats().Contacts)
			assert.Zero(t, f.arena.Stats().AuditEvents)
		})
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.create(t, models.ContactInput{Name: "Maria", Emails: []models.EmailInput{{Address: "maria@example.com"}}})

	name := "Maria Souza"
	emails := []models.EmailInput{{Address: "souza@example.com", IsPrimary: true}}
	result, err := f.service.Update(ctx, c.ID, c.Fingerprint, models.UpdateContactRequest{Name: &name, Emails: &emails}, "editor")
	require.NoError(t, err)

	assert.True(t, result.Changed)
	assert.Equal(t, "Maria Souza", result.Contact.DisplayName)
	assert.Equal(t, "maria souza", result.Contact.NormalizedName)
	assert.Equal(t, []string{"souza@example.com"}, result.Contact.EmailAddresses(), "a channel list in the patch replaces the old one")
	assert.NotEqual(t, c.Fingerprint, result.Contact.Fingerprint)

	assert.Equal(t, []string{models.AuditActionContactUpdated, models.AuditActionContactCreated}, f.actions(t, c.ID))
	events, err := f.ledger.History(ctx, models.AuditEntityContact, c.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "editor", events[0].Actor)
	assert.Contains(t, string(events[0].Before), `"display_name":"Maria"`)

	assert.Equal(t, []string{"Maria->Maria Souza"}, f.observer.updated)
}

func TestUpdate_IdenticalContentIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.create(t, models.ContactInput{Name: "Maria Souza"})

	name := " Maria  Souza"
	result, err := f.service.Update(ctx, c.ID, c.Fingerprint, models.UpdateContactRequest{Name: &name}, "editor")
	require.NoError(t, err)

	assert.False(t, result.Changed)
	assert.Equal(t, c.Fingerprint, result.Contact.Fingerprint)
	assert.Equal(t, []string{models.AuditActionContactCreated}, f.actions(t, c.ID))
	assert.Empty(t, f.observer.updated)
}

func TestUpdate_Guards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.create(t, models.ContactInput{Name: "Maria"})
	root := f.create(t, models.ContactInput{Name: "Maria Souza"})

	merged := f.create(t, models.ContactInput{Name: "Maria S."})
	mergedLocked := merged.Clone()
	mergedLocked.DuplicateOf = &root.ID
	require.NoError(t, f.store.Contacts.Update(ctx, mergedLocked, merged.Fingerprint))

	name := "Joana"
	empty := "..."
	tests := []struct {
		name        string
		id          string
		fingerprint string
		patch       models.UpdateContactRequest
		check       func(t *testing.T, err error)
	}{
		{
			name: "missing fingerprint", id: c.ID, patch: models.UpdateContactRequest{Name: &name},
			check: func(t *testing.T, err error) { assert.True(t, apperror.IsValidation(err)) },
		},
		{
			name: "stale fingerprint", id: c.ID, fingerprint: "stale", patch: models.UpdateContactRequest{Name: &name},
			check: func(t *testing.T, err error) {
				var conflict *apperror.ConflictError
				require.ErrorAs(t, err, &conflict)
				assert.Equal(t, apperror.ConflictStaleFingerprint, conflict.Reason)
			},
		},
		{
			name: "superseded contact", id: merged.ID, fingerprint: merged.Fingerprint, patch: models.UpdateContactRequest{Name: &name},
			check: func(t *testing.T, err error) {
				var conflict *apperror.ConflictError
				require.ErrorAs(t, err, &conflict)
				assert.Equal(t, apperror.ConflictSuperseded, conflict.Reason)
			},
		},
		{
			name: "unknown contact", id: "nobody", fingerprint: "x", patch: models.UpdateContactRequest{Name: &name},
			check: func(t *testing.T, err error) { assert.True(t, apperror.IsNotFound(err)) },
		},
		{
			name: "name without letters", id: c.ID, fingerprint: c.Fingerprint, patch: models.UpdateContactRequest{Name: &empty},
			check: func(t *testing.T, err error) { assert.True(t, apperror.IsValidation(err)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.arena.Stats()
			_, err := f.service.Update(ctx, tt.id, tt.fingerprint, tt.patch, "editor")
			tt.check(t, err)
			assert.Equal(t, before, f.arena.Stats())
		})
	}
}

func TestUpdate_ConcurrentWritersFromOneFingerprint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.create(t, models.ContactInput{Name: "Maria"})

	names := []string{"Maria Souza", "Maria Lima"}
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.Update(ctx, c.ID, c.Fingerprint, models.UpdateContactRequest{Name: &names[i]}, "editor")
		}(i)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case apperror.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, f.actions(t, c.ID), 2)
}

func TestResolveAndSources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	root := f.create(t, models.ContactInput{Name: "Maria Souza"})
	child := f.create(t, models.ContactInput{Name: "Maria"})

	next := child.Clone()
	next.DuplicateOf = &root.ID
	next.Status = models.ContactStatusMerged
	require.NoError(t, f.store.Contacts.Update(ctx, next, child.Fingerprint))

	resolved, err := f.service.Resolve(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, resolved.ID)

	require.NoError(t, f.store.Sources.Link(ctx, models.ContactSource{ContactID: root.ID, SourceRecordID: "rec-1", Confidence: 1}))
	links, err := f.service.Sources(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)

	links, err = f.service.Sources(ctx, child.ID)
	require.NoError(t, err)
	assert.NotNil(t, links)
	assert.Empty(t, links)

	_, err = f.service.Sources(ctx, "nobody")
	assert.True(t, apperror.IsNotFound(err))
}

func TestApplySource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.create(t, models.ContactInput{
		Name:   "Maria Souza",
		UnitID: "unit-1",
		Emails: []models.EmailInput{{Address: "maria@hr.example", IsPrimary: true}},
	})

	incoming, _ := normalizers.NormalizeContact(models.ContactInput{
		Name:     "Maria S. Souza",
		Document: "12345678900",
		Emails:   []models.EmailInput{{Address: "maria@dir.example", IsPrimary: true}},
	}, "BR")
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	var result *WriteResult
	err := f.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := f.store.Contacts.GetForUpdate(ctx, c.ID)
		if err != nil {
			return err
		}
		result, err = f.service.ApplySource(ctx, locked[c.ID], incoming, "source:directory", &at)
		return err
	})
	require.NoError(t, err)

	require.True(t, result.Changed)
	got := result.Contact
	assert.Equal(t, "Maria S. Souza", got.DisplayName)
	assert.Equal(t, "12345678900", models.StringValue(got.Document))
	assert.Equal(t, "unit-1", models.StringValue(got.UnitID), "fields the source omits are kept")
	assert.Equal(t, []string{"maria@hr.example", "maria@dir.example"}, got.EmailAddresses())
	assert.True(t, got.Emails[0].IsPrimary)
	assert.False(t, got.Emails[1].IsPrimary)
	assert.Equal(t, at, *got.LastSourceAt)

	// the same view again changes nothing
	err = f.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := f.store.Contacts.GetForUpdate(ctx, c.ID)
		if err != nil {
			return err
		}
		result, err = f.service.ApplySource(ctx, locked[c.ID], incoming, "source:directory", &at)
		return err
	})
	require.NoError(t, err)
	assert.False(t, result.Changed)
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.create(t, models.ContactInput{Name: "Maria"})
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	touched, err := f.service.Touch(ctx, c, at)
	require.NoError(t, err)
	assert.Equal(t, at, *touched.LastSourceAt)
	assert.Equal(t, c.Fingerprint, touched.Fingerprint)

	again, err := f.service.Touch(ctx, touched, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, at, *again.LastSourceAt, "older activity never moves the clock back")
}
