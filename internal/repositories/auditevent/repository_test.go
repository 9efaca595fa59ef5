package auditevent

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

var now = time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)

func TestLastHash(t *testing.T) {
	tests := []struct {
		name string
		rows *sqlmock.Rows
		want string
	}{
		{name: "chain tail", rows: sqlmock.NewRows([]string{"hash"}).AddRow("abc"), want: "abc"},
		{name: "empty chain", rows: sqlmock.NewRows([]string{"hash"}), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newRepo(t)
			mock.ExpectQuery(`SELECT hash FROM audit_events WHERE entity_type = \$1 AND entity_id = \$2 ORDER BY seq DESC`).
				WithArgs(models.AuditEntityContact, "c-1").
				WillReturnRows(tt.rows)

			got, err := repo.LastHash(context.Background(), models.AuditEntityContact, "c-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppend(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_events (actor, action, entity_type, entity_id, before, after, prev_hash, hash, created_at)") + ".*RETURNING seq").
		WithArgs("tester", models.AuditActionContactCreated, models.AuditEntityContact, "c-1", nil, []byte(`{"id":"c-1"}`), "genesis", "h1", now).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(42)))

	event := &models.AuditEvent{
		Actor:      "tester",
		Action:     models.AuditActionContactCreated,
		EntityType: models.AuditEntityContact,
		EntityID:   "c-1",
		After:      json.RawMessage(`{"id":"c-1"}`),
		PrevHash:   "genesis",
		Hash:       "h1",
		CreatedAt:  now,
	}
	require.NoError(t, repo.Append(context.Background(), event))
	assert.Equal(t, int64(42), event.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_ForkRejected(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery("INSERT INTO audit_events").WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Append(context.Background(), &models.AuditEvent{EntityType: models.AuditEntityContact, EntityID: "c-1", PrevHash: "h1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit chain fork")
}

func TestListByEntity_NullSnapshots(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery(`FROM audit_events WHERE entity_type = \$1 AND entity_id = \$2 ORDER BY seq DESC`).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(2), "editor", models.AuditActionContactUpdated, models.AuditEntityContact, "c-1", []byte(`{"a":1}`), []byte(`{"a":2}`), "h1", "h2", now).
			AddRow(int64(1), "tester", models.AuditActionContactCreated, models.AuditEntityContact, "c-1", nil, []byte(`{"a":1}`), "genesis", "h1", now))

	events, err := repo.ListByEntity(context.Background(), models.AuditEntityContact, "c-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.JSONEq(t, `{"a":1}`, string(events[0].Before))
	assert.Nil(t, events[1].Before)
	assert.Equal(t, now, events[1].CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
