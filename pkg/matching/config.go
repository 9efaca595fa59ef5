package matching

import (
	"fmt"
)

// Config holds the scorer weights and the candidate generation bounds
type Config struct {
	DocumentWeight float64
	EmailWeight    float64
	PhoneWeight    float64
	NameWeight     float64
	SameUnitWeight float64

	// AutoSuggestThreshold marks candidates for the review queue's auto-suggest flag
	AutoSuggestThreshold float64
	// ScoreFloor is the lowest score that keeps a candidate row
	ScoreFloor float64

	NameSimilarityFloor float64
	NameCandidateLimit  int

	// WorkerCount bounds RefreshMany
	WorkerCount int
}

func DefaultConfig() Config {
	return Config{
		DocumentWeight:       0.70,
		EmailWeight:          0.35,
		PhoneWeight:          0.25,
		NameWeight:           0.30,
		SameUnitWeight:       0.05,
		AutoSuggestThreshold: 0.70,
		ScoreFloor:           0.20,
		NameSimilarityFloor:  0.3,
		NameCandidateLimit:   20,
		WorkerCount:          4,
	}
}

// Validate rejects weights where a document match alone would not be suggested,
// or where a name match (even within the same unit) would be suggested without any other evidence.
func (c Config) Validate() error {
	weights := []struct {
		name  string
		value float64
	}{
		{"document", c.DocumentWeight},
		{"email", c.EmailWeight},
		{"phone", c.PhoneWeight},
		{"name", c.NameWeight},
		{"same_unit", c.SameUnitWeight},
	}
	for _, w := range weights {
		if w.value < 0 {
			return fmt.Errorf("%s weight must be >= 0, got %v", w.name, w.value)
		}
	}
	if c.AutoSuggestThreshold <= 0 || c.AutoSuggestThreshold > 1 {
		return fmt.Errorf("auto-suggest threshold must be in (0, 1], got %v", c.AutoSuggestThreshold)
	}
	if c.ScoreFloor < 0 || c.ScoreFloor > c.AutoSuggestThreshold {
		return fmt.Errorf("score floor must be in [0, %v], got %v", c.AutoSuggestThreshold, c.ScoreFloor)
	}
	if c.DocumentWeight < c.AutoSuggestThreshold {
		return fmt.Errorf("document weight %v must reach the auto-suggest threshold %v", c.DocumentWeight, c.AutoSuggestThreshold)
	}
	if c.NameWeight+c.SameUnitWeight >= c.AutoSuggestThreshold {
		return fmt.Errorf("name weight plus same-unit weight (%v) must stay below the auto-suggest threshold %v",
			c.NameWeight+c.SameUnitWeight, c.AutoSuggestThreshold)
	}
	if c.NameSimilarityFloor < 0 || c.NameSimilarityFloor > 1 {
		return fmt.Errorf("name similarity floor must be in [0, 1], got %v", c.NameSimilarityFloor)
	}
	if c.NameCandidateLimit < 1 {
		return fmt.Errorf("name candidate limit must be >= 1, got %d", c.NameCandidateLimit)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", c.WorkerCount)
	}
	return nil
}
