package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/casegate/pkg/classifier"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/ledger"
	"github.com/Mindburn-Labs/casegate/pkg/patterns"
)

// CaseUpdater persists stage annotations on a case.
type CaseUpdater interface {
	UpdateCase(ctx context.Context, caseID string, patch contracts.CasePatch) (contracts.Case, error)
}

// ClassifyStage fills product, category and severity.
type ClassifyStage struct {
	classifier classifier.Classifier
	cases      CaseUpdater
}

// NewClassifyStage creates the classify stage. cases may be nil, in which
// case annotations stay on the run context only.
func NewClassifyStage(cl classifier.Classifier, cases CaseUpdater) *ClassifyStage {
	return &ClassifyStage{classifier: cl, cases: cases}
}

func (s *ClassifyStage) Name() StageName { return StageClassify }
func (s *ClassifyStage) Agent() string   { return "classifier" }

func (s *ClassifyStage) Run(ctx context.Context, rc *RunContext) (StageResult, error) {
	cls, err := s.classifier.Classify(ctx, rc.Case)
	if err != nil {
		return StageResult{StepType: contracts.StepObserve}, fmt.Errorf("classify %s: %w", rc.Case.CaseID, err)
	}
	before := rc.Case
	after := cls.Apply(before)
	rc.Classification = &cls

	var changes []ledger.StateChange
	add := func(field string, b, a string) {
		if b != a {
			changes = append(changes, ledger.StateChange{Field: field, Before: b, After: a})
		}
	}
	add("product", before.Product, after.Product)
	add("product_line", before.ProductLine, after.ProductLine)
	add("category", string(before.Category), string(after.Category))
	add("severity", string(before.Severity), string(after.Severity))

	// OBSERVE never writes; a case that is no longer actionable keeps its
	// recorded state.
	if s.cases != nil && rc.Mode != contracts.ModeObserve && before.Status.Actionable() {
		processed, conf := true, cls.Confidence
		updated, err := s.cases.UpdateCase(ctx, rc.Case.CaseID, contracts.CasePatch{
			Product:      &after.Product,
			ProductLine:  &after.ProductLine,
			Category:     &after.Category,
			Severity:     &after.Severity,
			AIProcessed:  &processed,
			AIConfidence: &conf,
		})
		if err != nil {
			return StageResult{StepType: contracts.StepObserve}, fmt.Errorf("annotate case %s: %w", rc.Case.CaseID, err)
		}
		after = updated
	}
	rc.Case = after

	res := continueWith(contracts.StepObserve, cls, ledger.Entry{
		Action:            ledger.ActionCaseAnalyzed,
		ActionDescription: "Classified product, category and severity",
		Decision:          fmt.Sprintf("%s/%s", after.Category, after.Severity),
		Confidence:        ledger.Confidence(cls.Confidence),
		Reasoning:         cls.Reasoning,
		StateChanges:      changes,
	})
	res.Confidence = ledger.Confidence(cls.Confidence)
	return res, nil
}

// Assessor scores a case against the pattern memory.
type Assessor interface {
	Assess(ctx context.Context, c contracts.Case, mode contracts.ExecutionMode, topK int, now time.Time) (patterns.Assessment, error)
}

// PatternWriter is the feedback loop's pattern mutation surface.
type PatternWriter interface {
	RecordMatch(ctx context.Context, patternID string) (contracts.Pattern, error)
	Create(ctx context.Context, p contracts.Pattern) (contracts.Pattern, error)
}

// MinCreateConfidence is the classification confidence needed to learn a
// new pattern without a human.
const MinCreateConfidence = 0.85

// MatchStage finds the closest historical pattern.
type MatchStage struct {
	matcher Assessor
	writer  PatternWriter
	topK    int
}

// NewMatchStage creates the match stage.
func NewMatchStage(matcher Assessor, writer PatternWriter) *MatchStage {
	return &MatchStage{matcher: matcher, writer: writer, topK: 3}
}

func (s *MatchStage) Name() StageName { return StageMatch }
func (s *MatchStage) Agent() string   { return "pattern_matcher" }

func (s *MatchStage) Run(ctx context.Context, rc *RunContext) (StageResult, error) {
	if rc.Approved(StageMatch, contracts.ReviewNewPattern) && rc.Assessment != nil && rc.Assessment.Suggested != nil && rc.Pattern == nil {
		entry, err := s.create(ctx, rc, "approved by "+rc.Reviewer)
		if err != nil {
			return StageResult{StepType: contracts.StepLearn}, err
		}
		return continueWith(contracts.StepLearn, *rc.Assessment, entry), nil
	}

	a, err := s.matcher.Assess(ctx, rc.Case, rc.Mode, s.topK, rc.Now())
	if err != nil {
		return StageResult{StepType: contracts.StepThink}, fmt.Errorf("match %s: %w", rc.Case.CaseID, err)
	}
	rc.Assessment = &a

	matched := ledger.Entry{
		Action:            ledger.ActionPatternMatched,
		ActionDescription: fmt.Sprintf("Compared against %d candidate patterns", len(a.Matches)),
		Decision:          string(a.Recommendation),
		Confidence:        ledger.Confidence(rc.MatchConfidence()),
		Reasoning:         a.Reasoning,
		MemoryStrategy:    "READ_ONLY",
	}
	if a.Best != nil && a.Tier != contracts.TierVeryLow {
		p := a.Best.Pattern
		if rc.Mode != contracts.ModeObserve {
			updated, err := s.writer.RecordMatch(ctx, p.PatternID)
			if err != nil {
				return StageResult{StepType: contracts.StepThink}, fmt.Errorf("record match %s: %w", p.PatternID, err)
			}
			p = updated
			matched.MemoryStrategy = "RECORD_MATCH"
		}
		rc.Pattern = &p
	}
	res := continueWith(contracts.StepThink, a, matched)
	res.Confidence = ledger.Confidence(rc.MatchConfidence())

	if a.Recommendation != contracts.RecommendNewPattern || a.Suggested == nil {
		return res, nil
	}
	switch rc.Mode {
	case contracts.ModeAct:
		if rc.Classification == nil || rc.Classification.Confidence < MinCreateConfidence {
			return res, nil
		}
		entry, err := s.create(ctx, rc, fmt.Sprintf("classification confidence %.2f", rc.Classification.Confidence))
		if err != nil {
			return res, err
		}
		res.Entries = append(res.Entries, entry)
		res.StepType = contracts.StepLearn
		return res, nil
	case contracts.ModeTrain:
		return pause(contracts.StepHumanReview, contracts.ReviewNewPattern,
			"new pattern "+a.Suggested.PatternID+" needs approval", a, res.Entries...), nil
	default:
		return res, nil
	}
}

func (s *MatchStage) create(ctx context.Context, rc *RunContext, why string) (ledger.Entry, error) {
	p, err := s.writer.Create(ctx, *rc.Assessment.Suggested)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("create pattern %s: %w", rc.Assessment.Suggested.PatternID, err)
	}
	rc.Pattern = &p
	return ledger.Entry{
		Action:            ledger.ActionPatternCreated,
		ActionDescription: "Learned new pattern " + p.PatternID,
		Decision:          p.PatternID,
		Confidence:        ledger.Confidence(p.Confidence),
		Reasoning:         why,
		StateChanges:      []ledger.StateChange{{Field: "pattern." + p.PatternID, Before: nil, After: p.Description}},
		MemoryStrategy:    "CREATE_PATTERN",
	}, nil
}
