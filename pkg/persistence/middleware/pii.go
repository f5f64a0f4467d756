package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/ports"
)

// Mask replaces the value of every masked key.
const Mask = "***"

type piiMiddleware struct {
	next     ports.RunStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks values of keys matching
// the patterns, at any depth, before they are stored. The running engine
// keeps the real values; only the stored record is masked.
func NewPIIMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid mask pattern %q: %w", p, err)
		}
		patterns[i] = re
	}
	return func(next ports.RunStore) ports.RunStore {
		return &piiMiddleware{next: next, patterns: patterns}
	}, nil
}

func (m *piiMiddleware) Create(ctx context.Context, run *domain.Run) error {
	masked := run.Clone()
	maskMap(masked.State, m.patterns)
	for _, rec := range masked.History {
		maskMap(rec.State, m.patterns)
	}
	return m.next.Create(ctx, masked)
}

func (m *piiMiddleware) Save(ctx context.Context, runID string, patch domain.RunPatch) error {
	if patch.State != nil {
		patch.State = patch.State.Clone()
		maskMap(patch.State, m.patterns)
	}
	if patch.History != nil {
		patch.History = domain.CloneHistory(patch.History)
		for _, rec := range patch.History {
			maskMap(rec.State, m.patterns)
		}
	}
	return m.next.Save(ctx, runID, patch)
}

func (m *piiMiddleware) Load(ctx context.Context, runID string) (*domain.Run, error) {
	return m.next.Load(ctx, runID)
}

func (m *piiMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func (m *piiMiddleware) Delete(ctx context.Context, runID string) error {
	return m.next.Delete(ctx, runID)
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		masked := false
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = Mask
				masked = true
				break
			}
		}
		if masked {
			continue
		}

		switch t := v.(type) {
		case map[string]any:
			maskMap(t, patterns)
		case domain.State:
			maskMap(t, patterns)
		case []any:
			for _, item := range t {
				if sub, ok := item.(map[string]any); ok {
					maskMap(sub, patterns)
				}
			}
		}
	}
}
