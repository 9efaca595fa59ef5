package sourcerecord

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLatest(t *testing.T) {
	t.Run("newest version", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectQuery(`FROM source_records WHERE source = \$1 AND source_key = \$2 ORDER BY version DESC LIMIT`).
			WillReturnRows(sqlmock.NewRows(columns).AddRow("r-2", "crm", "k-1", 2, "hash-2", []byte(`{"name":"Maria"}`), now))

		rec, err := repo.Latest(context.Background(), "crm", "k-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 2, rec.Version)
		assert.JSONEq(t, `{"name":"Maria"}`, string(rec.Payload))
	})

	t.Run("never captured", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectQuery("FROM source_records").WillReturnRows(sqlmock.NewRows(columns))

		rec, err := repo.Latest(context.Background(), "crm", "k-1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestInsert(t *testing.T) {
	t.Run("assigns an id", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO source_records (id, source, source_key, version, content_hash, payload, fetched_at)")).
			WithArgs(sqlmock.AnyArg(), "crm", "k-1", 1, "hash-1", []byte(`{}`), now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		rec := &models.SourceRecord{Source: "crm", SourceKey: "k-1", Version: 1, ContentHash: "hash-1", Payload: json.RawMessage(`{}`), FetchedAt: now}
		require.NoError(t, repo.Insert(context.Background(), rec))
		assert.NotEmpty(t, rec.ID)
	})

	t.Run("version taken", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec("INSERT INTO source_records").WillReturnError(&pq.Error{Code: "23505"})

		err := repo.Insert(context.Background(), &models.SourceRecord{Source: "crm", SourceKey: "k-1", Version: 1})
		assert.Error(t, err)
	})
}

func TestLink_KeepsHigherConfidence(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectExec(`INSERT INTO contact_sources .* ON CONFLICT \(contact_id, source_record_id\) DO UPDATE .* WHERE contact_sources.confidence < EXCLUDED.confidence`).
		WithArgs("c-1", "r-1", 0.8, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Link(context.Background(), models.ContactSource{ContactID: "c-1", SourceRecordID: "r-1", Confidence: 0.8, LinkedAt: now})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReparentLinks(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO contact_sources .* SELECT \$1, source_record_id, confidence, linked_at FROM contact_sources WHERE contact_id = \$2`).
		WithArgs("c-primary", "c-dup").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM contact_sources WHERE contact_id = \$1`).
		WithArgs("c-dup").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.ReparentLinks(context.Background(), "c-dup", "c-primary")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkedContact(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery(`SELECT cs.contact_id FROM contact_sources cs JOIN source_records sr ON sr.id = cs.source_record_id .* ORDER BY sr.version DESC, cs.contact_id`).
		WillReturnRows(sqlmock.NewRows([]string{"contact_id"}).AddRow("c-1"))

	id, err := repo.LinkedContact(context.Background(), "crm", "k-1")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "c-1", *id)
}
