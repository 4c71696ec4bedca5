// Package partial models cached payloads made of independently retriable
// sub-results.
//
// Each sub-result carries an explicit state, so a genuine zero is a Value and
// never mistaken for "not fetched yet".
package partial

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State of one sub-result
type State uint8

const (
	// Missing means the sub-result was never fetched
	Missing State = iota
	// Pending means a fetch was attempted and must be retried
	Pending
	// Value means the sub-result holds a genuine value
	Value
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Pending:
		return "pending"
	case Value:
		return "value"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "missing", "":
		*s = Missing
	case "pending":
		*s = Pending
	case "value":
		*s = Value
	default:
		return fmt.Errorf("unknown partial state %q", b)
	}
	return nil
}

// Field is one sub-result
type Field[V any] struct {
	State State `json:"state"`
	Value V     `json:"value"`
}

// Of returns a field holding v
func Of[V any](v V) Field[V] {
	return Field[V]{State: Value, Value: v}
}

// Retry returns a field that must be fetched again
func Retry[V any]() Field[V] {
	return Field[V]{State: Pending}
}

// Ok reports whether the field holds a genuine value
func (f Field[V]) Ok() bool { return f.State == Value }

// Payload maps sub-keys to their sub-results. Absent sub-keys are Missing.
type Payload[V any] map[string]Field[V]

// New returns a payload with every key Missing
func New[V any](keys ...string) Payload[V] {
	p := make(Payload[V], len(keys))
	for _, k := range keys {
		p[k] = Field[V]{State: Missing}
	}
	return p
}

// Decode parses a JSON-encoded payload
func Decode[V any](b []byte) (Payload[V], error) {
	var p Payload[V]
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode partial payload: %w", err)
	}
	if p == nil {
		p = make(Payload[V])
	}
	return p, nil
}

// RetryKeys returns, sorted, the keys among want that do not hold a Value.
// With no keys given, every key in p is considered.
func (p Payload[V]) RetryKeys(want ...string) []string {
	if len(want) == 0 {
		want = make([]string, 0, len(p))
		for k := range p {
			want = append(want, k)
		}
	}
	var out []string
	seen := make(map[string]struct{}, len(want))
	for _, k := range want {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if !p[k].Ok() {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Complete reports whether every key among want holds a Value
func (p Payload[V]) Complete(want ...string) bool {
	return len(p.RetryKeys(want...)) == 0
}

// Values returns the genuine values only
func (p Payload[V]) Values() map[string]V {
	out := make(map[string]V, len(p))
	for k, f := range p {
		if f.Ok() {
			out[k] = f.Value
		}
	}
	return out
}

// Clone returns a shallow copy of p
func (p Payload[V]) Clone() Payload[V] {
	out := make(Payload[V], len(p))
	for k, f := range p {
		out[k] = f
	}
	return out
}

// Merge applies refresh on top of prev and returns the result; neither input
// is modified. A Value in prev is only replaced by a Value from refresh for
// the same key. Non-Value refresh fields only update non-Value prev fields.
func Merge[V any](prev, refresh Payload[V]) Payload[V] {
	out := prev.Clone()
	for k, f := range refresh {
		if f.Ok() || !out[k].Ok() {
			out[k] = f
		}
	}
	return out
}
