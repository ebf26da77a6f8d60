package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/DrSkyle/reaper/pkg/resources"
)

// EvaluationContext is the data a rule can see about one candidate.
type EvaluationContext struct {
	ID         string
	Kind       string
	Provider   string
	Region     string
	Action     string
	Category   string
	Cost       float64
	Confidence float64
	AgeDays    float64
	Tags       map[string]string
	Metadata   map[string]string
}

// FromCandidate builds the rule input for c. AgeDays is -1 when the
// creation time is unknown.
func FromCandidate(c resources.Candidate, now time.Time) EvaluationContext {
	age := -1.0
	if c.CreatedAt != nil && !c.CreatedAt.IsZero() {
		age = c.Age(now).Hours() / 24
	}
	return EvaluationContext{
		ID:         c.ResourceID,
		Kind:       c.ResourceType,
		Provider:   string(c.Provider),
		Region:     c.Region,
		Action:     string(c.RecommendedAction),
		Category:   c.CategoryKey,
		Cost:       c.MonthlyCostEstimate,
		Confidence: c.Confidence(),
		AgeDays:    age,
		Tags:       c.Tags,
		Metadata:   c.Metadata,
	}
}

func (ec EvaluationContext) vars() map[string]any {
	tags := ec.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	meta := ec.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return map[string]any{
		"id":         ec.ID,
		"kind":       ec.Kind,
		"provider":   ec.Provider,
		"region":     ec.Region,
		"action":     ec.Action,
		"category":   ec.Category,
		"cost":       ec.Cost,
		"confidence": ec.Confidence,
		"age_days":   ec.AgeDays,
		"tags":       tags,
		"metadata":   meta,
	}
}

// Match is a rule whose condition evaluated to true.
type Match struct {
	ID     string
	Action Action
}

type compiled struct {
	rule Rule
	prg  cel.Program
}

// CELEngine compiles and evaluates dynamic rules.
type CELEngine struct {
	env      *cel.Env
	programs []compiled
	logger   *slog.Logger
}

// NewCELEngine declares the variables rules may reference.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("provider", cel.StringType),
		cel.Variable("region", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("cost", cel.DoubleType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("age_days", cel.DoubleType),
		cel.Variable("tags", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &CELEngine{env: env, logger: slog.Default()}, nil
}

// Compile adds rules. A rule that does not compile to a boolean is
// rejected and nothing from the batch is kept.
func (e *CELEngine) Compile(rules []Rule) error {
	var batch []compiled
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		ast, issues := e.env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %s compilation error: %w", r.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("rule %s must evaluate to bool, got %s", r.ID, ast.OutputType())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return fmt.Errorf("rule %s program creation error: %w", r.ID, err)
		}
		batch = append(batch, compiled{rule: r, prg: prg})
	}
	e.programs = append(e.programs, batch...)
	return nil
}

// Len is the number of compiled rules.
func (e *CELEngine) Len() int { return len(e.programs) }

// Evaluate returns the rules matching ec in compile order. A rule that
// fails at runtime (e.g. a missing tag key) is logged and skipped.
func (e *CELEngine) Evaluate(ctx context.Context, ec EvaluationContext) ([]Match, error) {
	vars := ec.vars()
	var matches []Match
	for _, c := range e.programs {
		if err := ctx.Err(); err != nil {
			return matches, err
		}
		out, _, err := c.prg.Eval(vars)
		if err != nil {
			e.logger.Warn("rule evaluation failed", "rule_id", c.rule.ID, "resource_id", ec.ID, "error", err)
			continue
		}
		if match, ok := out.Value().(bool); ok && match {
			matches = append(matches, Match{ID: c.rule.ID, Action: c.rule.Action})
		}
	}
	return matches, nil
}

// Blocking returns the first matching block rule, if any.
func (e *CELEngine) Blocking(ctx context.Context, ec EvaluationContext) (Match, bool, error) {
	matches, err := e.Evaluate(ctx, ec)
	if err != nil {
		return Match{}, false, err
	}
	for _, m := range matches {
		if m.Action == ActionBlock {
			return m, true, nil
		}
	}
	return Match{}, false, nil
}
