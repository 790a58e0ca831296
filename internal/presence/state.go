package presence

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// State is the per-connection advertised state: an arbitrary JSON-shaped
// mapping. Values are kept raw so clients can store any JSON shape.
type State map[string]json.RawMessage

// Merge shallow-merges a patch into a stored state and reports whether the
// result differs from the stored state by deep value equality.
//
// Patch semantics: a key whose value is the JSON literal null is kept in the
// merged state with value null (an observable "cleared" marker). A key whose
// value is a nil RawMessage deletes the key; that sentinel is only reachable
// through the Go API, since JSON cannot carry undefined. A nil or empty
// patch leaves the state untouched.
func Merge(stored State, patch State) (State, bool) {
	merged := make(State, len(stored)+len(patch))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged, !Equal(stored, merged)
}

// Equal compares two states by decoded JSON value, so textual differences
// in the raw encoding ("1e0" vs "1") do not count as changes.
func Equal(a, b State) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		var adec, bdec interface{}
		if err := json.Unmarshal(av, &adec); err != nil {
			return false
		}
		if err := json.Unmarshal(bv, &bdec); err != nil {
			return false
		}
		if !reflect.DeepEqual(adec, bdec) {
			return false
		}
	}
	return true
}

// EncodeState serializes a state for the conn hash. Nil encodes as "{}".
func EncodeState(s State) (string, error) {
	if s == nil {
		s = State{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(data), nil
}

// DecodeState parses a stored state field. Empty input decodes as an empty state.
func DecodeState(raw string) (State, error) {
	if raw == "" {
		return State{}, nil
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if s == nil {
		s = State{}
	}
	return s, nil
}
