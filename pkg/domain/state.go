package domain

import (
	"sort"

	"github.com/mohae/deepcopy"
)

// State is the key-value record that flows through a graph.
// Values must be JSON-representable.
type State map[string]any

// Clone returns a deep copy of the state.
// Nested maps and slices are copied so the clone never aliases the source.
// A nil state clones to an empty, non-nil state.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	cp, ok := deepcopy.Copy(s).(State)
	if !ok || cp == nil {
		return State{}
	}
	return cp
}

// Merge applies a partial update key-wise: keys present in update overwrite
// the current value, every other key is left untouched. A nil update is a no-op.
// Values are deep-copied so the caller may keep mutating update afterwards.
func (s State) Merge(update State) {
	for k, v := range update {
		s[k] = deepcopy.Copy(v)
	}
}

// Keys returns the state keys in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
