package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// Score weights.
const (
	ProductWeight  = 0.4
	CategoryWeight = 0.3
	SemanticWeight = 0.3
)

// Matcher scores cases against the active patterns of a Store.
type Matcher struct {
	store  *Store
	oracle SimilarityOracle
	groups CategoryGroups
	lineOf func(product string) string
	logger *slog.Logger
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithOracle sets the semantic similarity oracle.
func WithOracle(o SimilarityOracle) MatcherOption {
	return func(m *Matcher) { m.oracle = o }
}

// WithCategoryGroups sets the related-category table.
func WithCategoryGroups(g CategoryGroups) MatcherOption {
	return func(m *Matcher) { m.groups = g }
}

// WithProductLines sets the catalogue lookup used for product families.
func WithProductLines(lineOf func(product string) string) MatcherOption {
	return func(m *Matcher) { m.lineOf = lineOf }
}

// NewMatcher creates a matcher over store.
func NewMatcher(store *Store, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		store:  store,
		oracle: TokenOverlap{},
		groups: DefaultCategoryGroups(),
		lineOf: func(string) string { return "" },
		logger: slog.Default().With("component", "pattern_matcher"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Score compares a case to a pattern given their semantic similarity.
func (m *Matcher) Score(c contracts.Case, p contracts.Pattern, semantic float64) contracts.ScoreResult {
	r := contracts.ScoreResult{
		ProductScore:  m.productScore(c, p),
		CategoryScore: m.categoryScore(c.Category, p.Category),
		SemanticScore: math.Min(1, math.Max(0, semantic)),
	}
	r.Score = round4(ProductWeight*r.ProductScore + CategoryWeight*r.CategoryScore + SemanticWeight*r.SemanticScore)
	r.Tier = Tier(r.Score)
	return r
}

func (m *Matcher) productScore(c contracts.Case, p contracts.Pattern) float64 {
	cp, pp := fold(c.Product), fold(p.Product)
	if cp == "" || pp == "" {
		return 0
	}
	if cp == pp {
		return 1
	}
	cl, pl := fold(c.ProductLine), fold(p.ProductLine)
	if cl == "" {
		cl = fold(m.lineOf(c.Product))
	}
	if pl == "" {
		pl = fold(m.lineOf(p.Product))
	}
	if cl != "" && cl == pl {
		return 0.7
	}
	if prefix(cp, 3) != "" && prefix(cp, 3) == prefix(pp, 3) {
		return 0.7
	}
	return 0
}

func (m *Matcher) categoryScore(a, b contracts.Category) float64 {
	switch {
	case a == "" || b == "":
		return 0
	case a == b:
		return 1
	case m.groups.Related(a, b):
		return 0.5
	default:
		return 0
	}
}

// Tier buckets a score.
func Tier(score float64) contracts.ConfidenceTier {
	switch {
	case score >= 0.90:
		return contracts.TierHigh
	case score >= 0.75:
		return contracts.TierMedium
	case score >= 0.50:
		return contracts.TierLow
	default:
		return contracts.TierVeryLow
	}
}

// Recommend maps a tier and case severity to the next step. Elevated
// severity always escalates; only a HIGH tier on a LOW severity case may
// close autonomously.
func Recommend(tier contracts.ConfidenceTier, severity contracts.Severity) contracts.Recommendation {
	switch {
	case severity.Elevated():
		return contracts.RecommendEscalate
	case tier == contracts.TierVeryLow:
		return contracts.RecommendNewPattern
	case tier == contracts.TierHigh && severity == contracts.SeverityLow:
		return contracts.RecommendAutoClose
	default:
		return contracts.RecommendHumanReview
	}
}

// Match returns the topK best scoring active patterns, best first. topK
// <= 0 returns every candidate.
func (m *Matcher) Match(ctx context.Context, c contracts.Case, topK int) ([]contracts.PatternMatch, error) {
	candidates := m.store.Snapshot().Active()
	matches := make([]contracts.PatternMatch, 0, len(candidates))
	for _, p := range candidates {
		sim, err := m.oracle.Similarity(ctx, c.Description, p.Description)
		if err != nil {
			return nil, fmt.Errorf("similarity %s: %w", p.PatternID, err)
		}
		matches = append(matches, contracts.PatternMatch{Pattern: p, Result: m.Score(c, p, sim)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return better(matches[i], matches[j]) })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// better orders by score, then most recent match, then id.
func better(a, b contracts.PatternMatch) bool {
	if a.Result.Score != b.Result.Score {
		return a.Result.Score > b.Result.Score
	}
	at, bt := a.Pattern.LastMatchedAt, b.Pattern.LastMatchedAt
	switch {
	case at != nil && bt == nil:
		return true
	case at == nil && bt != nil:
		return false
	case at != nil && bt != nil && !at.Equal(*bt):
		return at.After(*bt)
	}
	return a.Pattern.PatternID < b.Pattern.PatternID
}

// Assessment is the matcher's full verdict for a case.
type Assessment struct {
	Matches        []contracts.PatternMatch `json:"matches"`
	Best           *contracts.PatternMatch  `json:"best,omitempty"`
	Tier           contracts.ConfidenceTier `json:"tier"`
	Recommendation contracts.Recommendation `json:"recommendation"`
	// RequiresHumanApproval is set in TRAIN mode and for every
	// recommendation other than AUTO_CLOSE.
	RequiresHumanApproval bool               `json:"requires_human_approval"`
	ObserveOnly           bool               `json:"observe_only"`
	Suggested             *contracts.Pattern `json:"suggested,omitempty"`
	Reasoning             string             `json:"reasoning"`
}

// Assess matches c and derives the recommendation under mode.
func (m *Matcher) Assess(ctx context.Context, c contracts.Case, mode contracts.ExecutionMode, topK int, now time.Time) (Assessment, error) {
	matches, err := m.Match(ctx, c, topK)
	if err != nil {
		return Assessment{}, err
	}
	a := Assessment{Matches: matches, Tier: contracts.TierVeryLow}
	if len(matches) > 0 {
		best := matches[0]
		a.Best = &best
		a.Tier = best.Result.Tier
	}
	a.Recommendation = Recommend(a.Tier, c.Severity)
	a.RequiresHumanApproval = mode == contracts.ModeTrain || a.Recommendation != contracts.RecommendAutoClose
	a.ObserveOnly = mode == contracts.ModeObserve
	if a.Recommendation == contracts.RecommendNewPattern {
		s := SuggestPattern(c, NewPatternID(), now)
		a.Suggested = &s
	}

	switch {
	case a.Best == nil:
		a.Reasoning = "no active pattern to compare against"
	default:
		a.Reasoning = fmt.Sprintf("best %s scored %.4f (%s); severity %s -> %s",
			a.Best.Pattern.PatternID, a.Best.Result.Score, a.Tier, c.Severity, a.Recommendation)
	}
	if a.ObserveOnly {
		a.Reasoning += "; observe only"
	}

	m.logger.DebugContext(ctx, "case matched",
		"case_id", c.CaseID, "candidates", len(matches), "tier", a.Tier, "recommendation", a.Recommendation)
	return a, nil
}

// NewPatternID returns a fresh PAT-xxxxxxxx id.
func NewPatternID() string {
	return "PAT-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// SuggestPattern drafts a new pattern from a case. Its description is the
// first ten words longer than three characters.
func SuggestPattern(c contracts.Case, id string, now time.Time) contracts.Pattern {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(c.Description)) {
		if len([]rune(w)) > 3 {
			words = append(words, w)
		}
		if len(words) == 10 {
			break
		}
	}
	return contracts.Pattern{
		PatternID:      id,
		Product:        c.Product,
		ProductLine:    c.ProductLine,
		Category:       c.Category,
		Description:    strings.Join(words, " "),
		ResolutionCode: string(c.Category) + "-STANDARD",
		Confidence:     contracts.PatternInitialConfidence,
		Version:        1,
		Status:         contracts.PatternActive,
		Provenance:     contracts.ProvenanceLearned,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

func fold(s string) string { return strings.TrimSpace(canonicalize.Fold(s)) }

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) < n {
		return ""
	}
	return string(r[:n])
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
