package contracts

import "time"

// Pattern confidence bounds and thresholds.
const (
	PatternConfidenceFloor   = 0.10
	PatternConfidenceCeiling = 0.99
	PatternArchiveThreshold  = 0.20
	PatternInitialConfidence = 0.50
)

// PatternStatus is ACTIVE or ARCHIVED. Patterns are never deleted.
type PatternStatus string

const (
	PatternActive   PatternStatus = "ACTIVE"
	PatternArchived PatternStatus = "ARCHIVED"
)

// Provenance records where a pattern came from.
type Provenance string

const (
	ProvenanceLearned         Provenance = "LEARNED"
	ProvenanceHumanCorrection Provenance = "HUMAN_CORRECTION"
	ProvenanceSeeded          Provenance = "SEEDED"
)

// Pattern is a learned fingerprint of a previously seen case type.
type Pattern struct {
	PatternID          string     `json:"pattern_id"`
	Product            string     `json:"product"`
	ProductLine        string     `json:"product_line,omitempty"`
	Category           Category   `json:"category"`
	Description        string     `json:"description"`
	ResolutionTemplate string     `json:"resolution_template,omitempty"`
	ResolutionCode     string     `json:"resolution_code,omitempty"`
	Confidence         float64    `json:"confidence"`
	MatchCount         int        `json:"match_count"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	LastMatchedAt      *time.Time `json:"last_matched_at,omitempty"`
	Version            int        `json:"version"`
	// PreviousVersion is the version this one superseded; 0 for the first.
	PreviousVersion int           `json:"previous_version,omitempty"`
	Status          PatternStatus `json:"status"`
	ArchiveReason   string        `json:"archive_reason,omitempty"`
	Provenance      Provenance    `json:"provenance"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Active reports whether the pattern is a match candidate.
func (p Pattern) Active() bool { return p.Status == PatternActive }

// PatternContent is the replaceable body of a pattern, supplied by a
// human correction.
type PatternContent struct {
	Product            string   `json:"product,omitempty"`
	ProductLine        string   `json:"product_line,omitempty"`
	Category           Category `json:"category,omitempty"`
	Description        string   `json:"description,omitempty"`
	ResolutionTemplate string   `json:"resolution_template,omitempty"`
	ResolutionCode     string   `json:"resolution_code,omitempty"`
}

// ConfidenceTier buckets a match score.
type ConfidenceTier string

const (
	TierHigh    ConfidenceTier = "HIGH"
	TierMedium  ConfidenceTier = "MEDIUM"
	TierLow     ConfidenceTier = "LOW"
	TierVeryLow ConfidenceTier = "VERY_LOW"
)

// Recommendation is the pattern matcher's proposed next step.
type Recommendation string

const (
	RecommendAutoClose   Recommendation = "AUTO_CLOSE"
	RecommendHumanReview Recommendation = "HUMAN_REVIEW"
	RecommendNewPattern  Recommendation = "NEW_PATTERN"
	RecommendEscalate    Recommendation = "ESCALATE"
)

// ScoreResult is the breakdown of one case/pattern comparison.
type ScoreResult struct {
	Score         float64        `json:"score"`
	ProductScore  float64        `json:"product_score"`
	CategoryScore float64        `json:"category_score"`
	SemanticScore float64        `json:"semantic_score"`
	Tier          ConfidenceTier `json:"tier"`
}

// PatternMatch pairs a pattern with its score against a case.
type PatternMatch struct {
	Pattern Pattern     `json:"pattern"`
	Result  ScoreResult `json:"result"`
}
