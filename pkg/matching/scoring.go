package matching

import (
	"math"
	"time"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/trigram"
)

// Scorer turns a pair of contacts into a feature vector and a composite score
type Scorer struct {
	cfg Config
}

// NewScorer creates a new Scorer. The config must be valid.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Features computes the named sub-scores of a pair. It is symmetric.
func (s *Scorer) Features(a, b *models.Contact) models.FeatureVector {
	return models.FeatureVector{
		DocumentExact:  bothEqual(a.Document, b.Document),
		EmailExact:     anyShared(a.EmailAddresses(), b.EmailAddresses()),
		PhoneExact:     anyShared(a.NationalNumbers(), b.NationalNumbers()),
		NameSimilarity: trigram.Similarity(a.NormalizedName, b.NormalizedName),
		SameUnit:       bothEqual(a.UnitID, b.UnitID),
	}
}

// Score is the weighted sum of the features, clamped to [0, 1] and rounded to 6 decimals
func (s *Scorer) Score(f models.FeatureVector) float64 {
	sum := s.cfg.DocumentWeight*f.DocumentExact +
		s.cfg.EmailWeight*f.EmailExact +
		s.cfg.PhoneWeight*f.PhoneExact +
		s.cfg.NameWeight*f.NameSimilarity +
		s.cfg.SameUnitWeight*f.SameUnit
	sum = math.Max(0, math.Min(1, sum))
	return math.Round(sum*1e6) / 1e6
}

// Candidate scores a pair into a candidate row in canonical order
func (s *Scorer) Candidate(a, b *models.Contact, now time.Time) models.MergeCandidate {
	features := s.Features(a, b)
	score := s.Score(features)
	aID, bID := models.CanonicalPair(a.ID, b.ID)
	return models.MergeCandidate{
		ContactAID:  aID,
		ContactBID:  bID,
		Score:       score,
		Features:    features,
		AutoSuggest: score >= s.cfg.AutoSuggestThreshold,
		ActivityAt:  activityAt(a, b),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AboveFloor reports whether a score keeps its candidate row
func (s *Scorer) AboveFloor(score float64) bool {
	return score >= s.cfg.ScoreFloor
}

func bothEqual(a, b *string) float64 {
	if a == nil || b == nil || *a == "" || *a != *b {
		return 0
	}
	return 1
}

func anyShared(a, b []string) float64 {
	for _, v := range a {
		if ectolinq.Contains(b, v) {
			return 1
		}
	}
	return 0
}

// activityAt is the later source activity of the pair, falling back to creation time for contacts never seen by a source
func activityAt(a, b *models.Contact) time.Time {
	at := func(c *models.Contact) time.Time {
		if c.LastSourceAt != nil {
			return *c.LastSourceAt
		}
		return c.CreatedAt
	}
	ta, tb := at(a), at(b)
	if tb.After(ta) {
		return tb
	}
	return ta
}
