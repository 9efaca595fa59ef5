package mergecandidate

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	idLow  = "11111111-1111-4111-8111-111111111111"
	idHigh = "99999999-9999-4999-8999-999999999999"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestUpsert_StoresCanonicalPair(t *testing.T) {
	repo, mock := newRepo(t)
	created := now.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO merge_candidates")+
		".*"+regexp.QuoteMeta("ON CONFLICT (contact_a_id, contact_b_id) DO UPDATE SET score = EXCLUDED.score")+
		".*RETURNING created_at").
		WithArgs(idLow, idHigh, 0.9, sqlmock.AnyArg(), true, now, now, now).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	candidate := &models.MergeCandidate{
		ContactAID:  idHigh,
		ContactBID:  idLow,
		Score:       0.9,
		Features:    models.FeatureVector{DocumentExact: 1},
		AutoSuggest: true,
		ActivityAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, repo.Upsert(context.Background(), candidate))
	assert.Equal(t, idLow, candidate.ContactAID)
	assert.Equal(t, idHigh, candidate.ContactBID)
	assert.Equal(t, created, candidate.CreatedAt, "an existing row keeps its created_at")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		wantNil bool
	}{
		{
			name: "found",
			rows: sqlmock.NewRows(columns).
				AddRow(idLow, idHigh, 0.75, []byte(`{"email_exact":1,"name_similarity":0.5}`), false, now, now, now),
		},
		{
			name:    "absent",
			rows:    sqlmock.NewRows(columns),
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newRepo(t)
			mock.ExpectQuery("FROM merge_candidates WHERE contact_a_id = \\$1 AND contact_b_id = \\$2").
				WithArgs(idLow, idHigh).
				WillReturnRows(tt.rows)

			got, err := repo.Get(context.Background(), idHigh, idLow)
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, 1.0, got.Features.EmailExact)
			assert.Equal(t, 0.5, got.Features.NameSimilarity)
		})
	}
}

func TestListPending_ExcludesDecidedPairs(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery(`FROM merge_candidates WHERE NOT EXISTS \(.*FROM merge_decisions d.*\) ORDER BY score DESC, activity_at DESC, contact_a_id, contact_b_id LIMIT`).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(idLow, idHigh, 0.75, []byte(`{}`), false, now, now, now))

	pending, err := repo.ListPending(context.Background(), 50)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByContact(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectExec(`DELETE FROM merge_candidates WHERE \(contact_a_id = \$1 OR contact_b_id = \$2\)`).
		WithArgs(idLow, idLow).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DeleteByContact(context.Background(), idLow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestListByContact_DatabaseError(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery("FROM merge_candidates").WillReturnError(errors.New("timeout"))

	_, err := repo.ListByContact(context.Background(), idLow)
	assert.Error(t, err)
}
