package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "document below threshold", mutate: func(c *Config) { c.DocumentWeight = 0.6 }, wantErr: "document weight"},
		{name: "name reaches threshold", mutate: func(c *Config) { c.NameWeight = 0.65 }, wantErr: "name weight plus same-unit"},
		{name: "name plus unit reaches threshold", mutate: func(c *Config) { c.NameWeight = 0.6; c.SameUnitWeight = 0.1 }, wantErr: "name weight plus same-unit"},
		{name: "negative weight", mutate: func(c *Config) { c.PhoneWeight = -0.1 }, wantErr: "phone weight"},
		{name: "first negative weight is reported", mutate: func(c *Config) { c.SameUnitWeight = -0.1; c.EmailWeight = -0.1 }, wantErr: "email weight must be >= 0"},
		{name: "floor above threshold", mutate: func(c *Config) { c.ScoreFloor = 0.8 }, wantErr: "score floor"},
		{name: "zero threshold", mutate: func(c *Config) { c.AutoSuggestThreshold = 0 }, wantErr: "auto-suggest threshold"},
		{name: "no workers", mutate: func(c *Config) { c.WorkerCount = 0 }, wantErr: "worker count"},
		{name: "no name candidates", mutate: func(c *Config) { c.NameCandidateLimit = 0 }, wantErr: "name candidate limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScorer_Score(t *testing.T) {
	scorer, err := NewScorer(DefaultConfig())
	require.NoError(t, err)

	tests := []struct {
		name     string
		features models.FeatureVector
		expected float64
	}{
		{name: "nothing", features: models.FeatureVector{}, expected: 0},
		{name: "document alone", features: models.FeatureVector{DocumentExact: 1}, expected: 0.7},
		{name: "email and phone", features: models.FeatureVector{EmailExact: 1, PhoneExact: 1}, expected: 0.6},
		{name: "identical name in same unit", features: models.FeatureVector{NameSimilarity: 1, SameUnit: 1}, expected: 0.35},
		{name: "everything clamps to one", features: models.FeatureVector{DocumentExact: 1, EmailExact: 1, PhoneExact: 1, NameSimilarity: 1, SameUnit: 1}, expected: 1},
		{name: "rounded to six decimals", features: models.FeatureVector{NameSimilarity: 1.0 / 3.0}, expected: 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, scorer.Score(tt.features), 1e-9)
		})
	}
}

func TestScorer_Candidate(t *testing.T) {
	scorer, err := NewScorer(DefaultConfig())
	require.NoError(t, err)

	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	doc := "12345678900"
	unit := "u1"

	a := &models.Contact{
		ID:             "b-id",
		NormalizedName: "maria souza",
		Document:       &doc,
		UnitID:         &unit,
		Emails:         []models.Email{{Address: "maria@x.com"}},
		Phones:         []models.Phone{{E164: "+5511987654321", NationalNumber: "11987654321"}},
		LastSourceAt:   &older,
	}
	b := &models.Contact{
		ID:             "a-id",
		NormalizedName: "maria souza",
		Document:       &doc,
		UnitID:         &unit,
		Emails:         []models.Email{{Address: "other@x.com"}},
		Phones:         []models.Phone{{E164: "+5511987654321", NationalNumber: "11987654321"}},
		CreatedAt:      newer,
	}

	now := newer.Add(time.Minute)
	c := scorer.Candidate(a, b, now)

	assert.Equal(t, "a-id", c.ContactAID)
	assert.Equal(t, "b-id", c.ContactBID)
	assert.Equal(t, models.FeatureVector{DocumentExact: 1, EmailExact: 0, PhoneExact: 1, NameSimilarity: 1, SameUnit: 1}, c.Features)
	assert.Equal(t, 1.0, c.Score)
	assert.True(t, c.AutoSuggest)
	assert.Equal(t, newer, c.ActivityAt)
	assert.Equal(t, now, c.UpdatedAt)

	assert.Equal(t, c.Features, scorer.Features(b, a), "features are symmetric")
}

func TestScorer_NameOnlyNeverSuggests(t *testing.T) {
	scorer, err := NewScorer(DefaultConfig())
	require.NoError(t, err)

	unit := "u1"
	a := &models.Contact{ID: "a", NormalizedName: "maria souza", UnitID: &unit}
	b := &models.Contact{ID: "b", NormalizedName: "maria souza", UnitID: &unit}

	c := scorer.Candidate(a, b, time.Now())
	assert.InDelta(t, 0.35, c.Score, 1e-9)
	assert.False(t, c.AutoSuggest)
	assert.True(t, scorer.AboveFloor(c.Score))
}

func TestScorer_MissingDocumentsDoNotMatch(t *testing.T) {
	scorer, err := NewScorer(DefaultConfig())
	require.NoError(t, err)

	empty := ""
	f := scorer.Features(&models.Contact{Document: &empty}, &models.Contact{Document: &empty})
	assert.Zero(t, f.DocumentExact)
	f = scorer.Features(&models.Contact{}, &models.Contact{})
	assert.Zero(t, f.DocumentExact)
	assert.Zero(t, f.SameUnit)
}
