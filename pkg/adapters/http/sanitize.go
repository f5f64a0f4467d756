package http

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aretw0/stepgraph/pkg/domain"
)

// DefaultMaxStringSize bounds a single string value of a submitted state.
const DefaultMaxStringSize = 64 << 10

var (
	ErrInputTooLarge = errors.New("input exceeds maximum allowed size")
	ErrInvalidUTF8   = errors.New("input contains invalid UTF-8 sequences")
)

// SanitizeState cleans every string in a submitted state, at any depth.
// Oversized or invalid strings reject the whole state; control characters
// other than newline, tab and carriage return are stripped.
func SanitizeState(s domain.State) (domain.State, error) {
	if s == nil {
		return domain.State{}, nil
	}
	out := make(domain.State, len(s))
	for k, v := range s {
		clean, err := sanitizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = clean
	}
	return out, nil
}

func sanitizeValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return SanitizeInput(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			clean, err := sanitizeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			clean, err := sanitizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	default:
		return v, nil
	}
}

// SanitizeInput enforces the size limit, validates UTF-8 and strips
// control characters that would corrupt logs or terminals.
func SanitizeInput(input string) (string, error) {
	if len(input) > DefaultMaxStringSize {
		return "", fmt.Errorf("%w: size=%d limit=%d", ErrInputTooLarge, len(input), DefaultMaxStringSize)
	}
	if !utf8.ValidString(input) {
		return "", ErrInvalidUTF8
	}

	clean := true
	for _, r := range input {
		if unicode.IsControl(r) && !isSafeControl(r) {
			clean = false
			break
		}
	}
	if clean {
		return input, nil
	}

	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if !unicode.IsControl(r) || isSafeControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func isSafeControl(r rune) bool {
	return r == '\n' || r == '\t' || r == '\r'
}
