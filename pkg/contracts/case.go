// Package contracts defines the shared domain types of the case pipeline:
// cases, runs, patterns, events, policy outcomes and decision artifacts.
//
// Types here carry no behavior beyond validation and small state
// predicates; every stage package depends on them and nothing else.
package contracts

import (
	"time"
)

// CaseType distinguishes complaints from inquiries.
type CaseType string

const (
	CaseTypeComplaint CaseType = "COMPLAINT"
	CaseTypeInquiry   CaseType = "INQUIRY"
)

// CaseStatus is the lifecycle state of a case in the external case system.
type CaseStatus string

const (
	CaseStatusOpen          CaseStatus = "OPEN"
	CaseStatusInProgress    CaseStatus = "IN_PROGRESS"
	CaseStatusPendingReview CaseStatus = "PENDING_REVIEW"
	CaseStatusResolved      CaseStatus = "RESOLVED"
	CaseStatusClosed        CaseStatus = "CLOSED"
)

// Actionable reports whether a case may still be worked by the pipeline.
func (s CaseStatus) Actionable() bool {
	return s == CaseStatusOpen || s == CaseStatusInProgress
}

// Severity of a case.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int { return severityRank[s] }

// Elevated is true for HIGH and CRITICAL.
func (s Severity) Elevated() bool { return s.Rank() >= SeverityHigh.Rank() }

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Category of a complaint or inquiry.
type Category string

const (
	CategoryProductQuality  Category = "PRODUCT_QUALITY"
	CategoryPackaging       Category = "PACKAGING"
	CategoryLabeling        Category = "LABELING"
	CategoryDelivery        Category = "DELIVERY"
	CategoryShipping        Category = "SHIPPING"
	CategoryQuality         Category = "QUALITY"
	CategoryEfficacy        Category = "EFFICACY"
	CategoryAdverseReaction Category = "ADVERSE_REACTION"
	CategoryContamination   Category = "CONTAMINATION"
	CategoryOther           Category = "OTHER"
)

// Case is the pipeline's view of a complaint or inquiry.
type Case struct {
	CaseID       string     `json:"case_id" validate:"required"`
	CaseType     CaseType   `json:"case_type" validate:"required,oneof=COMPLAINT INQUIRY"`
	Status       CaseStatus `json:"status" validate:"required,oneof=OPEN IN_PROGRESS PENDING_REVIEW RESOLVED CLOSED"`
	Product      string     `json:"product,omitempty"`
	ProductLine  string     `json:"product_line,omitempty"`
	Category     Category   `json:"category,omitempty"`
	Severity     Severity   `json:"severity,omitempty" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	Description  string     `json:"description" validate:"max=20000"`
	LinkedCaseID string     `json:"linked_case_id,omitempty" validate:"omitempty,nefield=CaseID"`
	LotNumber    string     `json:"lot_number,omitempty"`

	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty" validate:"omitempty,email"`

	Resolution     string `json:"resolution,omitempty"`
	ResolutionCode string `json:"resolution_code,omitempty"`

	AIProcessed      bool    `json:"ai_processed"`
	AIConfidence     float64 `json:"ai_confidence,omitempty"`
	AIRecommendation string  `json:"ai_recommendation,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// CasePatch is a partial update. Nil fields are left untouched.
type CasePatch struct {
	Status           *CaseStatus `json:"status,omitempty"`
	Product          *string     `json:"product,omitempty"`
	ProductLine      *string     `json:"product_line,omitempty"`
	Category         *Category   `json:"category,omitempty"`
	Severity         *Severity   `json:"severity,omitempty"`
	Resolution       *string     `json:"resolution,omitempty"`
	ResolutionCode   *string     `json:"resolution_code,omitempty"`
	AIProcessed      *bool       `json:"ai_processed,omitempty"`
	AIConfidence     *float64    `json:"ai_confidence,omitempty"`
	AIRecommendation *string     `json:"ai_recommendation,omitempty"`
}

// Apply returns a copy of c with the patch applied.
func (p CasePatch) Apply(c Case) Case {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.Product != nil {
		c.Product = *p.Product
	}
	if p.ProductLine != nil {
		c.ProductLine = *p.ProductLine
	}
	if p.Category != nil {
		c.Category = *p.Category
	}
	if p.Severity != nil {
		c.Severity = *p.Severity
	}
	if p.Resolution != nil {
		c.Resolution = *p.Resolution
	}
	if p.ResolutionCode != nil {
		c.ResolutionCode = *p.ResolutionCode
	}
	if p.AIProcessed != nil {
		c.AIProcessed = *p.AIProcessed
	}
	if p.AIConfidence != nil {
		c.AIConfidence = *p.AIConfidence
	}
	if p.AIRecommendation != nil {
		c.AIRecommendation = *p.AIRecommendation
	}
	return c
}

// LocalizedText is one locale's rendering of a resolution.
type LocalizedText struct {
	Locale  string `json:"locale"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Closing string `json:"closing,omitempty"`
}
