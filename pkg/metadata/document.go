package metadata

import (
	"maps"
	"slices"
)

// Document maps keys to values. A nil Document is empty and read-only.
type Document map[string]Value

// Well-known keys.
const (
	KeyLinkPenalty            = "link_penalty"
	KeyLinkProbability        = "link_probability"
	KeyDivisionPenalty        = "division_penalty"
	KeyDivisionProbability    = "division_probability"
	KeyMayDivide              = "may_divide"
	KeyMarginalProbability    = "marginal_probability"
	KeyAlternativeProbability = "alternative_probability"
	KeyErrorRate              = "error_rate"
	KeyLowConfidence          = "low_confidence"
	KeySynthesized            = "synthesized"
	KeyName                   = "name"
)

// Clone returns a deep copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v.clone()
	}
	return out
}

// Float returns the numeric value stored under key.
func (d Document) Float(key string) (float64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}

// Bool returns the boolean stored under key.
func (d Document) Bool(key string) (bool, bool) {
	v, ok := d[key]
	if !ok {
		return false, false
	}
	return v.AsBool()
}

// Str returns the string stored under key.
func (d Document) Str(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Merge copies the entries of other into d. Existing keys are kept unless
// overwrite is set. d must not be nil.
func (d Document) Merge(other Document, overwrite bool) {
	for k, v := range other {
		if _, exists := d[k]; exists && !overwrite {
			continue
		}
		d[k] = v.clone()
	}
}

// Keys returns the keys in sorted order.
func (d Document) Keys() []string {
	return slices.Sorted(maps.Keys(d))
}

// Equal compares two documents; nil and empty are equal.
func (d Document) Equal(o Document) bool {
	return maps.EqualFunc(d, o, Value.Equal)
}
