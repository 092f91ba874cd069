// Package state models abstract conversation states and their canonical rule keys.
//
// A State is a fixed-shape record with one SubState per category. SubStates keep
// their features sorted by name at all times, so the serialized form of two equal
// states is identical without any sorting at encode time.
package state

import (
	"sort"

	"rulepolicy/internal/domain"
)

// Category enumerates the parts of a conversation state.
type Category uint8

const (
	CategoryPrevAction Category = iota
	CategoryUser
	CategorySlots
	CategoryActiveLoop
)

// Categories lists every category in encoding order.
var Categories = []Category{CategoryPrevAction, CategoryUser, CategorySlots, CategoryActiveLoop}

func (c Category) String() string {
	switch c {
	case CategoryPrevAction:
		return "prev_action"
	case CategoryUser:
		return "user"
	case CategorySlots:
		return "slots"
	case CategoryActiveLoop:
		return "active_loop"
	default:
		return "unknown"
	}
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Feature names used inside the categories.
const (
	FeatureActionName = "action_name"
	FeatureIntent     = "intent"
	FeatureEntities   = "entities"
	FeatureLoopName   = "name"
)

// Feature is one name/value pair of a SubState.
type Feature struct {
	Name  string
	Value Value
}

// SubState is a small mapping of feature name to value, always sorted by name.
// The zero SubState is empty and ready to use.
type SubState struct {
	features []Feature
}

// Sub builds a SubState from features. Later duplicates win.
func Sub(features ...Feature) SubState {
	var s SubState
	for _, f := range features {
		s = s.With(f.Name, f.Value)
	}
	return s
}

// With returns a copy of s with name set to v. Setting an absent value removes the feature.
func (s SubState) With(name string, v Value) SubState {
	i := sort.Search(len(s.features), func(i int) bool { return s.features[i].Name >= name })
	found := i < len(s.features) && s.features[i].Name == name

	out := make([]Feature, 0, len(s.features)+1)
	out = append(out, s.features[:i]...)
	if !v.IsAbsent() {
		out = append(out, Feature{Name: name, Value: v})
	}
	if found {
		out = append(out, s.features[i+1:]...)
	} else {
		out = append(out, s.features[i:]...)
	}
	return SubState{features: out}
}

// Get returns the value of a feature, or the absent Value.
func (s SubState) Get(name string) Value {
	i := sort.Search(len(s.features), func(i int) bool { return s.features[i].Name >= name })
	if i < len(s.features) && s.features[i].Name == name {
		return s.features[i].Value
	}
	return Value{}
}

// Features returns the features in name order.
func (s SubState) Features() []Feature {
	return append([]Feature(nil), s.features...)
}

// Len returns the number of features.
func (s SubState) Len() int { return len(s.features) }

// IsEmpty reports whether the SubState has no features.
func (s SubState) IsEmpty() bool { return len(s.features) == 0 }

// Equal compares two SubStates feature by feature.
func (s SubState) Equal(o SubState) bool {
	if len(s.features) != len(o.features) {
		return false
	}
	for i := range s.features {
		if s.features[i].Name != o.features[i].Name || !s.features[i].Value.Equal(o.features[i].Value) {
			return false
		}
	}
	return true
}

// State is one turn of an abstract conversation.
type State struct {
	PrevAction SubState
	User       SubState
	Slots      SubState
	ActiveLoop SubState
}

// Sub returns the SubState for a category.
func (s State) Sub(c Category) SubState {
	switch c {
	case CategoryPrevAction:
		return s.PrevAction
	case CategoryUser:
		return s.User
	case CategorySlots:
		return s.Slots
	case CategoryActiveLoop:
		return s.ActiveLoop
	default:
		return SubState{}
	}
}

// Set stores a feature in the given category.
func (s *State) Set(c Category, name string, v Value) {
	switch c {
	case CategoryPrevAction:
		s.PrevAction = s.PrevAction.With(name, v)
	case CategoryUser:
		s.User = s.User.With(name, v)
	case CategorySlots:
		s.Slots = s.Slots.With(name, v)
	case CategoryActiveLoop:
		s.ActiveLoop = s.ActiveLoop.With(name, v)
	}
}

// IsEmpty reports whether no category holds any feature.
func (s State) IsEmpty() bool {
	return s.PrevAction.IsEmpty() && s.User.IsEmpty() && s.Slots.IsEmpty() && s.ActiveLoop.IsEmpty()
}

// PrevActionName returns the previous action, or "".
func (s State) PrevActionName() string {
	return s.PrevAction.Get(FeatureActionName).Str()
}

// IsRuleSnippetState reports whether the state follows the rule snippet marker.
func IsRuleSnippetState(s State) bool {
	return s.PrevActionName() == domain.RuleSnippetAction
}

// IsPrevActionListen reports whether the previous action of s was action_listen.
func IsPrevActionListen(s State) bool {
	return s.PrevActionName() == domain.ActionListen
}

// ActiveLoopName returns the active loop of s. The unset marker counts as no loop.
func ActiveLoopName(s State) string {
	v := s.ActiveLoop.Get(FeatureLoopName)
	if v.Kind() != KindString {
		return ""
	}
	return v.Str()
}

// Copy returns states with fresh backing storage for the outer slice.
func Copy(states []State) []State {
	return append([]State(nil), states...)
}
