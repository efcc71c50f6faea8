package graph

import (
	"maps"
	"slices"
	"strings"

	"github.com/elliotchance/pie/v2"
)

// Reducers merge an existing field value with an incoming update. All of
// them are pure, accept zero old values and treat an empty update as a
// no-op. Results never alias the update.

// Append concatenates update after old.
func Append[T any](old, update []T) []T {
	if len(update) == 0 {
		return old
	}

	result := make([]T, 0, len(old)+len(update))
	result = append(result, old...)

	return append(result, update...)
}

// Replace swaps the whole value; a nil update keeps old.
func Replace[T any](old, update *T) *T {
	if update == nil {
		return old
	}

	return update
}

// Overwrite replaces a slice field; a nil update keeps old.
func Overwrite[T any](old, update []T) []T {
	if update == nil {
		return old
	}

	return slices.Clone(update)
}

type number interface {
	~int | ~int32 | ~int64 | ~float64
}

// Sum adds a delta.
func Sum[N number](old, delta N) N {
	return old + delta
}

// KeepNonEmpty replaces a scalar string unless the update is blank.
func KeepNonEmpty(old, update string) string {
	if strings.TrimSpace(update) == "" {
		return old
	}

	return strings.TrimSpace(update)
}

// UnionDedup returns a set-union reducer. Items are equal when key returns
// the same value; first occurrence wins and order is preserved.
func UnionDedup[T any](key func(T) string) func(old, update []T) []T {
	return func(old, update []T) []T {
		if len(update) == 0 {
			return old
		}

		seen := make(map[string]struct{}, len(old)+len(update))
		result := make([]T, 0, len(old)+len(update))

		for _, item := range slices.Concat(old, update) {
			k := key(item)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			result = append(result, item)
		}

		return result
	}
}

// NormalizeKey folds case and inner whitespace.
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// WeightedMerge returns a reducer keeping a running estimate per key:
// merged = decay*old + (1-decay)*observed. A key seen for the first time
// takes the observed value. Keys absent from the update are kept as is.
func WeightedMerge(decay float64) func(old, update map[string]float64) map[string]float64 {
	decay = min(max(decay, 0), 1)

	return func(old, update map[string]float64) map[string]float64 {
		if len(update) == 0 {
			return old
		}

		result := make(map[string]float64, len(old)+len(update))
		maps.Copy(result, old)

		for _, key := range pie.Sort(pie.Keys(update)) {
			observed := update[key]
			if prev, ok := old[key]; ok {
				result[key] = decay*prev + (1-decay)*observed
			} else {
				result[key] = observed
			}
		}

		return result
	}
}

// MergeMap overlays update on old.
func MergeMap[K comparable, V any](old, update map[K]V) map[K]V {
	if len(update) == 0 {
		return old
	}

	result := make(map[K]V, len(old)+len(update))
	maps.Copy(result, old)
	maps.Copy(result, update)

	return result
}
