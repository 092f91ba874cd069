// Package domain describes the actions, intents and slots a dialogue model knows about.
// Action indices are stable: built-in actions first, then user actions, then forms.
package domain

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Built-in action names.
const (
	ActionListen          = "action_listen"
	ActionRestart         = "action_restart"
	ActionSessionStart    = "action_session_start"
	ActionDefaultFallback = "action_default_fallback"
	ActionDeactivateLoop  = "action_deactivate_loop"
	ActionBack            = "action_back"

	// RuleSnippetAction marks "an unspecified prefix of turns happened here".
	// It never appears in a domain's action list.
	RuleSnippetAction = "..."
)

// Built-in intent names that map onto default actions.
const (
	IntentRestart      = "restart"
	IntentBack         = "back"
	IntentSessionStart = "session_start"
)

// ShouldNotBeSet is the raw marker training data uses for "this slot or loop must be unset".
const ShouldNotBeSet = "should_not_be_set"

// DefaultActions lists the built-in actions in index order.
var DefaultActions = []string{
	ActionListen,
	ActionRestart,
	ActionSessionStart,
	ActionDefaultFallback,
	ActionDeactivateLoop,
	ActionBack,
}

// SlotType controls how a slot is featurized.
type SlotType string

const (
	SlotText        SlotType = "text"
	SlotBool        SlotType = "bool"
	SlotCategorical SlotType = "categorical"
	SlotFloat       SlotType = "float"
	SlotList        SlotType = "list"
	SlotAny         SlotType = "any"
)

// DefaultCategoricalValue stands in for every categorical value a slot does not declare.
const DefaultCategoricalValue = "__other__"

// Slot is a named piece of conversation memory.
type Slot struct {
	Name   string   `yaml:"-"`
	Type   SlotType `yaml:"type"`
	Values []string `yaml:"values,omitempty"`
	// MinValue and MaxValue bound float slots; they default to 0 and 1.
	MinValue *float64 `yaml:"min_value,omitempty"`
	MaxValue *float64 `yaml:"max_value,omitempty"`
	// InfluenceConversation is nil when unset in the file; treated as true except for "any".
	InfluenceConversation *bool `yaml:"influence_conversation,omitempty"`
}

// Featurized reports whether the slot contributes to conversation states.
func (s Slot) Featurized() bool {
	if s.InfluenceConversation != nil {
		return *s.InfluenceConversation
	}
	return s.Type != SlotAny
}

// Bounds returns the range a float slot's value is clamped to.
func (s Slot) Bounds() (lo, hi float64) {
	lo, hi = 0, 1
	if s.MinValue != nil {
		lo = *s.MinValue
	}
	if s.MaxValue != nil {
		hi = *s.MaxValue
	}
	return lo, hi
}

// CategoricalValues returns the declared values followed by DefaultCategoricalValue.
func (s Slot) CategoricalValues() []string {
	values := append([]string(nil), s.Values...)
	for _, v := range values {
		if v == DefaultCategoricalValue {
			return values
		}
	}
	return append(values, DefaultCategoricalValue)
}

// Domain is the vocabulary a policy predicts over.
type Domain struct {
	Intents []string
	Slots   map[string]Slot
	Forms   []string

	actionNames []string
	index       map[string]int
}

// domainFile is the YAML layout of a domain file.
type domainFile struct {
	Intents []string        `yaml:"intents"`
	Actions []string        `yaml:"actions"`
	Forms   []string        `yaml:"forms"`
	Slots   map[string]Slot `yaml:"slots"`
}

// New builds a domain. Duplicate action names keep their first index.
func New(intents, actions, forms []string, slots []Slot) *Domain {
	d := &Domain{
		Intents: append([]string(nil), intents...),
		Forms:   append([]string(nil), forms...),
		Slots:   make(map[string]Slot, len(slots)),
		index:   make(map[string]int),
	}
	for _, s := range slots {
		d.Slots[s.Name] = s
	}

	add := func(name string) {
		if _, ok := d.index[name]; ok {
			return
		}
		d.index[name] = len(d.actionNames)
		d.actionNames = append(d.actionNames, name)
	}
	for _, a := range DefaultActions {
		add(a)
	}
	for _, a := range actions {
		add(a)
	}
	for _, f := range forms {
		add(f)
	}
	return d
}

// LoadDomain reads a domain from a YAML file.
func LoadDomain(path string) (*Domain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain: %w", err)
	}
	return ParseDomain(data)
}

// ParseDomain parses a YAML domain document.
func ParseDomain(data []byte) (*Domain, error) {
	var f domainFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse domain: %w", err)
	}

	names := make([]string, 0, len(f.Slots))
	for name := range f.Slots {
		names = append(names, name)
	}
	sort.Strings(names)

	slots := make([]Slot, 0, len(names))
	for _, name := range names {
		s := f.Slots[name]
		s.Name = name
		if s.Type == "" {
			s.Type = SlotText
		}
		switch s.Type {
		case SlotText, SlotBool, SlotCategorical, SlotFloat, SlotList, SlotAny:
		default:
			return nil, fmt.Errorf("slot %q has unknown type %q", name, s.Type)
		}
		if lo, hi := s.Bounds(); s.Type == SlotFloat && hi <= lo {
			return nil, fmt.Errorf("slot %q: max_value %v must be greater than min_value %v", name, hi, lo)
		}
		slots = append(slots, s)
	}

	return New(f.Intents, f.Actions, f.Forms, slots), nil
}

// ActionNames returns all action names in index order.
func (d *Domain) ActionNames() []string {
	return append([]string(nil), d.actionNames...)
}

// NumActions returns the size of a prediction vector for this domain.
func (d *Domain) NumActions() int {
	return len(d.actionNames)
}

// IndexForAction returns the stable index of an action.
func (d *Domain) IndexForAction(name string) (int, bool) {
	i, ok := d.index[name]
	return i, ok
}

// HasAction reports whether name is one of the domain's actions.
func (d *Domain) HasAction(name string) bool {
	_, ok := d.index[name]
	return ok
}

// ActionName returns the action at index i.
func (d *Domain) ActionName(i int) string {
	if i < 0 || i >= len(d.actionNames) {
		return ""
	}
	return d.actionNames[i]
}

// IsForm reports whether name is a form (loop) action.
func (d *Domain) IsForm(name string) bool {
	for _, f := range d.Forms {
		if f == name {
			return true
		}
	}
	return false
}

// SlotNames returns the slot names sorted.
func (d *Domain) SlotNames() []string {
	names := make([]string, 0, len(d.Slots))
	for name := range d.Slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
