package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Key is the canonical serialized form of a trimmed state sequence.
//
// The format is a JSON array of objects, oldest state first. Categories appear in
// the fixed order of Categories and features in name order; empty categories are
// omitted. Strings encode as JSON strings, tuples as arrays of strings and the
// unset marker as null.
type Key string

// Trim drops the last rule snippet state and everything before it.
func Trim(states []State) []State {
	start := len(states)
	for start > 0 && !IsRuleSnippetState(states[start-1]) {
		start--
	}
	return states[start:]
}

// Encode trims states at the last rule snippet marker and serializes what remains.
// It returns false when no state survives the trim.
func Encode(states []State) (Key, bool) {
	trimmed := Trim(states)
	if len(trimmed) == 0 {
		return "", false
	}
	return EncodeAll(trimmed), true
}

// EncodeAll serializes states without trimming.
func EncodeAll(states []State) Key {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range states {
		if i > 0 {
			b.WriteByte(',')
		}
		writeState(&b, s)
	}
	b.WriteByte(']')
	return Key(b.String())
}

func writeState(b *strings.Builder, s State) {
	b.WriteByte('{')
	first := true
	for _, c := range Categories {
		sub := s.Sub(c)
		if sub.IsEmpty() {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(quote(c.String()))
		b.WriteString(":{")
		for i, f := range sub.features {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(quote(f.Name))
			b.WriteByte(':')
			writeValue(b, f.Value)
		}
		b.WriteByte('}')
	}
	b.WriteByte('}')
}

func writeValue(b *strings.Builder, v Value) {
	switch v.kind {
	case KindString:
		b.WriteString(quote(v.str))
	case KindTuple:
		b.WriteByte('[')
		for i, it := range v.items {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(quote(it))
		}
		b.WriteByte(']')
	default:
		b.WriteString("null")
	}
}

// quote escapes s as a JSON string.
func quote(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		// json.Marshal never fails for a string.
		return `""`
	}
	return string(data)
}

// Decode parses a key back into its state sequence.
func Decode(k Key) ([]State, error) {
	var raw []map[string]map[string]json.RawMessage
	if err := json.Unmarshal([]byte(k), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode rule key: %w", err)
	}

	states := make([]State, 0, len(raw))
	for i, rs := range raw {
		var s State
		for catName, features := range rs {
			c, ok := ParseCategory(catName)
			if !ok {
				return nil, fmt.Errorf("rule key state %d: unknown category %q", i, catName)
			}
			for name, data := range features {
				v, err := decodeValue(data)
				if err != nil {
					return nil, fmt.Errorf("rule key state %d: feature %s.%s: %w", i, catName, name, err)
				}
				s.Set(c, name, v)
			}
		}
		states = append(states, s)
	}
	return states, nil
}

func decodeValue(data json.RawMessage) (Value, error) {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		return Unset(), nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, err
		}
		return String(s), nil
	case len(data) > 0 && data[0] == '[':
		var items []string
		if err := json.Unmarshal(data, &items); err != nil {
			return Value{}, err
		}
		return Tuple(items...), nil
	default:
		return Value{}, fmt.Errorf("unsupported value %s", string(data))
	}
}

// NonEmptyTurns counts the states that carry at least one feature.
func NonEmptyTurns(states []State) int {
	n := 0
	for _, s := range states {
		if !s.IsEmpty() {
			n++
		}
	}
	return n
}
