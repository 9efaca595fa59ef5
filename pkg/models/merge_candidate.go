package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FeatureVector holds the named sub-scores explaining a candidate's composite score
type FeatureVector struct {
	DocumentExact  float64 `json:"document_exact"`
	EmailExact     float64 `json:"email_exact"`
	PhoneExact     float64 `json:"phone_exact"`
	NameSimilarity float64 `json:"name_similarity"`
	SameUnit       float64 `json:"same_unit"`
}

// AsMap exposes the features by name
func (f FeatureVector) AsMap() map[string]any {
	return map[string]any{
		"document_exact":  f.DocumentExact,
		"email_exact":     f.EmailExact,
		"phone_exact":     f.PhoneExact,
		"name_similarity": f.NameSimilarity,
		"same_unit":       f.SameUnit,
	}
}

func (f *FeatureVector) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("FeatureVector.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, f)
}

func (f FeatureVector) Value() (driver.Value, error) {
	return json.Marshal(f)
}

// MergeCandidate is an unordered pair of contacts stored with ContactAID < ContactBID
type MergeCandidate struct {
	ContactAID  string        `json:"contact_a_id" db:"contact_a_id"`
	ContactBID  string        `json:"contact_b_id" db:"contact_b_id"`
	Score       float64       `json:"score" db:"score"`
	Features    FeatureVector `json:"features" db:"features"`
	AutoSuggest bool          `json:"auto_suggest" db:"auto_suggest"`
	ActivityAt  time.Time     `json:"activity_at" db:"activity_at"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// CanonicalPair orders two contact ids the way candidate rows store them
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Other returns the contact on the other side of the pair
func (m MergeCandidate) Other(contactID string) string {
	if m.ContactAID == contactID {
		return m.ContactBID
	}
	return m.ContactAID
}

// Involves reports whether contactID is one side of the pair
func (m MergeCandidate) Involves(contactID string) bool {
	return m.ContactAID == contactID || m.ContactBID == contactID
}

// PairKey identifies the pair regardless of ordering
func (m MergeCandidate) PairKey() string {
	return m.ContactAID + ":" + m.ContactBID
}

// Less is the review-queue ordering: score desc, most recent source activity, then ids
func (m MergeCandidate) Less(o MergeCandidate) bool {
	if m.Score != o.Score {
		return m.Score > o.Score
	}
	if !m.ActivityAt.Equal(o.ActivityAt) {
		return m.ActivityAt.After(o.ActivityAt)
	}
	if m.ContactAID != o.ContactAID {
		return m.ContactAID < o.ContactAID
	}
	return m.ContactBID < o.ContactBID
}
