package domain

import (
	"context"
	"fmt"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock aborts the mutation.
	SeverityBlock Severity = "block"
	// SeverityWarn allows the mutation but flags it.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation describes a single rule finding.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message,omitempty"`
	Entity   EntityType `json:"entity,omitempty"`
	EntityID string     `json:"entity_id,omitempty"`
}

// Result aggregates violations produced while evaluating a change.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends the violations of other into the result.
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking reports whether any violation carries block severity.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when a mutation is rejected by a blocking rule.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return fmt.Sprintf("rule violation: %d finding(s)", len(e.Result.Violations))
}

// Rule defines an evaluation executed against each store mutation before it
// commits. Rules must be pure: they run while the affected shard is locked.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, change Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, change Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, change)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}

// CountMismatchRule flags detections whose reported count disagrees with the
// number of colonies. Warn severity: detectors may intentionally report a
// distinct scalar, so the mutation still commits.
type CountMismatchRule struct{}

// Name returns the rule identifier.
func (CountMismatchRule) Name() string { return "detection-count-mismatch" }

// Evaluate checks image updates that carry a detection.
func (CountMismatchRule) Evaluate(_ context.Context, change Change) (Result, error) {
	if change.Entity != EntityImage || change.ImageAfter == nil || change.ImageAfter.Detection == nil {
		return Result{}, nil
	}
	det := change.ImageAfter.Detection
	if det.Count == len(det.Colonies) {
		return Result{}, nil
	}
	return Result{Violations: []Violation{{
		Rule:     CountMismatchRule{}.Name(),
		Severity: SeverityWarn,
		Message:  fmt.Sprintf("reported count %d differs from %d colonies", det.Count, len(det.Colonies)),
		Entity:   EntityImage,
		EntityID: change.ImageAfter.ID,
	}}}, nil
}

// DefaultRulesEngine returns an engine with the built-in rules registered.
func DefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(CountMismatchRule{})
	return engine
}
