package domain

import (
	"reflect"
	"sort"
)

// Delta reports which keys of update would change s if merged.
// A key counts as changed when it is absent from s or its value differs.
// The result is sorted; it is nil when nothing would change.
func (s State) Delta(update State) []string {
	var changed []string
	for k, newVal := range update {
		oldVal, exists := s[k]
		if !exists || !reflect.DeepEqual(oldVal, newVal) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Touches reports whether any of keys is present in changed.
// An empty keys list matches everything.
func Touches(changed []string, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	for _, c := range changed {
		for _, k := range keys {
			if c == k {
				return true
			}
		}
	}
	return false
}
