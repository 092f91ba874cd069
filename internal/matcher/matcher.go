// Package matcher finds the memorized rule keys compatible with a live conversation.
//
// Rules are partial: a rule turn only constrains the features it names, and a rule
// only constrains as many of the most recent turns as it has. Among compatible rules
// the longest key wins, as it used the most context.
package matcher

import (
	"sort"

	"rulepolicy/internal/lookup"
	"rulepolicy/internal/state"
)

// RuleMatchesState reports whether every feature named by the rule turn holds in the
// conversation turn. A real rule value must be equal; the unset marker requires the
// conversation value to be absent, empty or itself the marker. Empty rule values
// constrain nothing.
func RuleMatchesState(rule, conversation state.State) bool {
	for _, c := range state.Categories {
		convSub := conversation.Sub(c)
		for _, f := range rule.Sub(c).Features() {
			convValue := convSub.Get(f.Name)
			if f.Value.IsUnset() {
				if convValue.Truthy() {
					return false
				}
				continue
			}
			if f.Value.Truthy() && !f.Value.Equal(convValue) {
				return false
			}
		}
	}
	return true
}

// applicable checks one backward offset. ruleStates is oldest first.
func applicable(ruleStates []state.State, offset int, conversation state.State) bool {
	if offset >= len(ruleStates) {
		return true
	}
	ruleTurn := ruleStates[len(ruleStates)-1-offset]
	ruleEmpty, convEmpty := ruleTurn.IsEmpty(), conversation.IsEmpty()
	if ruleEmpty && convEmpty {
		return true
	}
	return !ruleEmpty && !convEmpty && RuleMatchesState(ruleTurn, conversation)
}

// Match returns every key of t compatible with states (oldest first), sorted.
func Match(t *lookup.Table, states []state.State) []state.Key {
	var keys []state.Key
	for _, e := range t.Entries() {
		if matches(e.States, states) {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

func matches(ruleStates, states []state.State) bool {
	for offset := 0; offset < len(states); offset++ {
		if !applicable(ruleStates, offset, states[len(states)-1-offset]) {
			return false
		}
	}
	return true
}

// Best picks the most specific key: the longest serialization, then the most
// non-empty turns, then the lexicographically smallest key.
func Best(t *lookup.Table, keys []state.Key) (state.Key, bool) {
	if len(keys) == 0 {
		return "", false
	}

	type candidate struct {
		key      state.Key
		nonEmpty int
	}
	candidates := make([]candidate, 0, len(keys))
	for _, k := range keys {
		c := candidate{key: k}
		if e, ok := t.Entry(k); ok {
			c.nonEmpty = state.NonEmptyTurns(e.States)
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if len(a.key) != len(b.key) {
			return len(a.key) > len(b.key)
		}
		if a.nonEmpty != b.nonEmpty {
			return a.nonEmpty > b.nonEmpty
		}
		return a.key < b.key
	})
	return candidates[0].key, true
}

// Values returns the table values of keys, in key order.
func Values(t *lookup.Table, keys []state.Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := t.Get(k); ok {
			out = append(out, v)
		}
	}
	return out
}
