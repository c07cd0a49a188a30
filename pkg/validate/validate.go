// Package validate runs the ordered rule chain over generated post text
// before it reaches the posting driver.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Level is a rule outcome severity.
type Level int

// Rule outcomes. Warns are logged and counted but do not abort; any fail
// aborts the chain.
const (
	Pass Level = iota
	Warn
	Fail
)

func (l Level) String() string {
	switch l {
	case Pass:
		return "pass"
	case Warn:
		return "warn"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Verdict is one rule's judgment.
type Verdict struct {
	Level  Level
	Reason string
}

func pass() Verdict                        { return Verdict{Level: Pass} }
func warn(format string, a ...any) Verdict { return Verdict{Level: Warn, Reason: fmt.Sprintf(format, a...)} }
func fail(format string, a ...any) Verdict { return Verdict{Level: Fail, Reason: fmt.Sprintf(format, a...)} }

// Rule checks one property of the candidate text.
type Rule interface {
	Name() string
	Check(ctx context.Context, in Input) Verdict
}

// Input carries the candidate text plus the tenant context rules need.
type Input struct {
	Text string

	// RecentTexts are the tenant's most recently published posts, newest
	// first, for the duplication rule.
	RecentTexts []string
}

// Result is the chain's aggregate outcome. Failed is set on the first fail;
// Warnings collects every warn seen before that.
type Result struct {
	Failed   *Verdict
	Warnings []Verdict
}

// OK reports whether the text may proceed to publishing.
func (r Result) OK() bool { return r.Failed == nil }

// Chain applies rules in order.
type Chain struct {
	rules  []Rule
	logger *slog.Logger
}

// NewChain builds a chain over the given rules, applied in order.
func NewChain(rules ...Rule) *Chain {
	return &Chain{rules: rules, logger: slog.With("component", "validate")}
}

// Config holds the chain thresholds.
type Config struct {
	MaxLength int

	// SafetyThreshold fails text whose classifier score meets or exceeds
	// it. Zero disables the rule even when a classifier is present.
	SafetyThreshold float64
}

// Classifier scores text for unsafe content in [0, 1], higher is worse.
type Classifier interface {
	Score(ctx context.Context, text string) (float64, error)
}

// DefaultChain is the production rule order: length, content safety,
// duplication, non-empty. A nil classifier skips safety.
func DefaultChain(cfg Config, classifier Classifier) *Chain {
	rules := []Rule{LengthRule{Max: cfg.MaxLength}}
	if classifier != nil && cfg.SafetyThreshold > 0 {
		rules = append(rules, SafetyRule{Classifier: classifier, Threshold: cfg.SafetyThreshold})
	}
	rules = append(rules, DuplicationRule{}, NonEmptyRule{})
	return NewChain(rules...)
}

// Run applies the chain. It stops at the first fail and returns it together
// with any warnings produced before it.
func (c *Chain) Run(ctx context.Context, in Input) Result {
	var res Result
	for _, rule := range c.rules {
		v := rule.Check(ctx, in)
		switch v.Level {
		case Warn:
			c.logger.Warn("Validation rule warned", "rule", rule.Name(), "reason", v.Reason)
			res.Warnings = append(res.Warnings, v)
		case Fail:
			c.logger.Info("Validation rule failed", "rule", rule.Name(), "reason", v.Reason)
			res.Failed = &v
			return res
		}
	}
	return res
}

// normalize case-folds and collapses whitespace for comparisons.
func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// LengthRule fails text longer than Max after whitespace normalization.
type LengthRule struct {
	Max int
}

func (LengthRule) Name() string { return "length" }

func (r LengthRule) Check(_ context.Context, in Input) Verdict {
	n := len([]rune(strings.Join(strings.Fields(in.Text), " ")))
	if r.Max > 0 && n > r.Max {
		return fail("text length %d exceeds maximum %d", n, r.Max)
	}
	return pass()
}

// SafetyRule fails text whose classifier score reaches the threshold, and
// warns above half of it. A classifier error is a warn, not a fail: safety
// scoring is advisory when the backend is degraded.
type SafetyRule struct {
	Classifier Classifier
	Threshold  float64
}

func (SafetyRule) Name() string { return "content_safety" }

func (r SafetyRule) Check(ctx context.Context, in Input) Verdict {
	score, err := r.Classifier.Score(ctx, in.Text)
	if err != nil {
		return warn("classifier unavailable: %v", err)
	}
	if score >= r.Threshold {
		return fail("content safety score %.2f at or above threshold %.2f", score, r.Threshold)
	}
	if score >= r.Threshold/2 {
		return warn("content safety score %.2f approaching threshold %.2f", score, r.Threshold)
	}
	return pass()
}

// DuplicationRule fails text equal to any recent published post under
// case-folding and whitespace normalization.
type DuplicationRule struct{}

func (DuplicationRule) Name() string { return "duplication" }

func (DuplicationRule) Check(_ context.Context, in Input) Verdict {
	candidate := normalize(in.Text)
	for _, prev := range in.RecentTexts {
		if normalize(prev) == candidate {
			return fail("text duplicates a recently published post")
		}
	}
	return pass()
}

// NonEmptyRule fails a trimmed empty string.
type NonEmptyRule struct{}

func (NonEmptyRule) Name() string { return "non_empty" }

func (NonEmptyRule) Check(_ context.Context, in Input) Verdict {
	if strings.TrimSpace(in.Text) == "" {
		return fail("text is empty")
	}
	return pass()
}
