// Package lookup builds the string-keyed tables a rule policy memorizes at training time.
package lookup

import (
	"fmt"
	"sort"

	"rulepolicy/internal/state"
)

// TableName names one of the two tables of a trained policy.
type TableName string

const (
	// TableRules maps rule keys to the action the rule predicts.
	TableRules TableName = "rules"
	// TableLoopUnhappyPath maps rule keys to loop exceptions (Verdict values).
	TableLoopUnhappyPath TableName = "rules_for_loop_unhappy_path"
)

// Verdict is the value stored in the unhappy-path table.
type Verdict string

const (
	// DoNotValidateLoop: the loop runs again without validating the user's answer.
	DoNotValidateLoop Verdict = "do_not_validate_loop"
	// DoNotPredictLoopAction: some other action legitimately pre-empts the loop.
	DoNotPredictLoopAction Verdict = "do_not_predict_loop_action"
)

// Entry is one memorized key with its decoded states.
type Entry struct {
	Key    state.Key
	Action string
	States []state.State
}

// Table is an immutable mapping of rule keys to actions.
type Table struct {
	entries map[state.Key]Entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[state.Key]Entry)}
}

// FromMap rebuilds a table from its persisted form.
func FromMap(m map[string]string) (*Table, error) {
	t := NewTable()
	for k, action := range m {
		states, err := state.Decode(state.Key(k))
		if err != nil {
			return nil, fmt.Errorf("invalid key in lookup table: %w", err)
		}
		t.entries[state.Key(k)] = Entry{Key: state.Key(k), Action: action, States: states}
	}
	return t, nil
}

// ToMap returns the persisted form of the table.
func (t *Table) ToMap() map[string]string {
	m := make(map[string]string, len(t.entries))
	for k, e := range t.entries {
		m[string(k)] = e.Action
	}
	return m
}

// Len returns the number of keys.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Get returns the action memorized for k.
func (t *Table) Get(k state.Key) (string, bool) {
	if t == nil {
		return "", false
	}
	e, ok := t.entries[k]
	return e.Action, ok
}

// Entry returns the full entry memorized for k.
func (t *Table) Entry(k state.Key) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[k]
	return e, ok
}

// Entries returns every entry sorted by key.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// put stores a key. Only builders call it, before the table is handed out.
func (t *Table) put(k state.Key, action string, states []state.State) {
	t.entries[k] = Entry{Key: k, Action: action, States: states}
}

// Set is the pair of tables a trained policy owns.
type Set struct {
	Rules       *Table
	LoopUnhappy *Table
}

// NewSet returns two empty tables.
func NewSet() Set {
	return Set{Rules: NewTable(), LoopUnhappy: NewTable()}
}

// ToMap returns the persisted form of both tables.
func (s Set) ToMap() map[TableName]map[string]string {
	return map[TableName]map[string]string{
		TableRules:           s.Rules.ToMap(),
		TableLoopUnhappyPath: s.LoopUnhappy.ToMap(),
	}
}

// SetFromMap rebuilds both tables. Missing tables load empty.
func SetFromMap(m map[TableName]map[string]string) (Set, error) {
	rules, err := FromMap(m[TableRules])
	if err != nil {
		return Set{}, fmt.Errorf("table %s: %w", TableRules, err)
	}
	unhappy, err := FromMap(m[TableLoopUnhappyPath])
	if err != nil {
		return Set{}, fmt.Errorf("table %s: %w", TableLoopUnhappyPath, err)
	}
	return Set{Rules: rules, LoopUnhappy: unhappy}, nil
}
