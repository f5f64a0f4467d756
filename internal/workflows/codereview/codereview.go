// Package codereview is the sample "code review agent" workflow: it scores
// a piece of code, collects issues and keeps suggesting refactors until the
// complexity passes the quality gate.
package codereview

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/graph"
)

// ID is the graph id the workflow is registered under.
const ID = "code_review_agent"

// Node names.
const (
	NodeExtract    = "extract"
	NodeComplexity = "complexity"
	NodeDetect     = "detect_issues"
	NodeSuggest    = "suggest_improvements"
)

// State keys.
const (
	KeyRawCode    = "raw_code"
	KeyLines      = "lines"
	KeyComplexity = "complexity_score"
	KeyIssues     = "issues"
)

// Threshold is the highest complexity score that passes the quality gate.
const Threshold = 5

// reduction is how much one refactoring pass lowers the score.
const reduction = 5

type reviewer struct {
	intn func(n int) int
}

// Option configures the workflow.
type Option func(*reviewer)

// WithRand makes scoring deterministic, mostly for tests.
func WithRand(r *rand.Rand) Option {
	return func(rv *reviewer) {
		rv.intn = r.IntN
	}
}

// New builds the code review graph.
func New(opts ...Option) *graph.Graph {
	rv := &reviewer{intn: rand.IntN}
	for _, opt := range opts {
		opt(rv)
	}

	return graph.New(ID).
		AddNodeFunc(NodeExtract, rv.extract).
		AddNodeFunc(NodeComplexity, rv.complexity).
		AddNodeFunc(NodeDetect, rv.detectIssues).
		AddNodeFunc(NodeSuggest, rv.suggest).
		SetEntryPoint(NodeExtract).
		AddEdge(NodeExtract, NodeComplexity).
		AddEdge(NodeComplexity, NodeDetect).
		AddConditionalEdge(NodeDetect, QualityGate).
		AddEdge(NodeSuggest, NodeComplexity)
}

func (rv *reviewer) extract(ctx context.Context, s domain.State) (domain.State, error) {
	code, _ := s[KeyRawCode].(string)
	return domain.State{
		KeyLines:      len(strings.Split(code, "\n")),
		KeyComplexity: 0,
	}, nil
}

// complexity assigns a fresh score in [10, 20] to unscored code and keeps
// an existing score otherwise.
func (rv *reviewer) complexity(ctx context.Context, s domain.State) (domain.State, error) {
	current, err := score(s, 0)
	if err != nil {
		return nil, err
	}
	if current == 0 {
		current = 10 + rv.intn(11)
	}
	return domain.State{KeyComplexity: current}, nil
}

func (rv *reviewer) detectIssues(ctx context.Context, s domain.State) (domain.State, error) {
	var issues []any
	if existing, ok := s[KeyIssues].([]any); ok {
		issues = existing
	}
	issues = append(issues, fmt.Sprintf("Issue found at step %d", 1+rv.intn(100)))
	return domain.State{KeyIssues: issues}, nil
}

func (rv *reviewer) suggest(ctx context.Context, s domain.State) (domain.State, error) {
	current, err := score(s, 10)
	if err != nil {
		return nil, err
	}
	return domain.State{KeyComplexity: max(0, current-reduction)}, nil
}

// QualityGate sends code back for refactoring while its complexity is
// above Threshold.
func QualityGate(ctx context.Context, s domain.State) (string, error) {
	current, err := score(s, 100)
	if err != nil {
		return "", err
	}
	if current > Threshold {
		return NodeSuggest, nil
	}
	return domain.End, nil
}

// score reads the complexity score whatever numeric type JSON decoding left.
func score(s domain.State, fallback int) (int, error) {
	v, ok := s[KeyComplexity]
	if !ok || v == nil {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	}
	return 0, fmt.Errorf("%s: unexpected type %T", KeyComplexity, v)
}
