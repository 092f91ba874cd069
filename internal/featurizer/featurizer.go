// Package featurizer converts trackers into sequences of abstract conversation states.
package featurizer

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"rulepolicy/internal/domain"
	"rulepolicy/internal/state"
	"rulepolicy/internal/tracker"
)

// Featurizer produces the state sequences a policy trains and predicts on.
type Featurizer interface {
	// TrainingStatesAndActions returns one (states, actions) pair per predictable
	// action of every tracker. The states end with the turn the action followed.
	TrainingStatesAndActions(trackers []*tracker.Tracker, d *domain.Domain) ([][]state.State, [][]string)
	// PredictionStates returns the full state history of every tracker.
	PredictionStates(trackers []*tracker.Tracker, d *domain.Domain) [][]state.State
}

// FullDialogue keeps the complete history of a tracker, with no max history cut.
type FullDialogue struct{}

// New returns the default featurizer.
func New() *FullDialogue {
	return &FullDialogue{}
}

// TrainingStatesAndActions implements Featurizer.
func (f *FullDialogue) TrainingStatesAndActions(trackers []*tracker.Tracker, d *domain.Domain) ([][]state.State, [][]string) {
	var allStates [][]state.State
	var allActions [][]string

	for _, t := range trackers {
		states := f.statesForTracker(t, d)
		turn := 0
		for _, e := range t.AppliedEvents() {
			action, ok := e.(tracker.ActionExecuted)
			if !ok {
				continue
			}
			if !action.Unpredictable {
				allStates = append(allStates, state.Copy(states[:turn+1]))
				allActions = append(allActions, []string{action.Name})
			}
			turn++
		}
	}
	return allStates, allActions
}

// PredictionStates implements Featurizer.
func (f *FullDialogue) PredictionStates(trackers []*tracker.Tracker, d *domain.Domain) [][]state.State {
	out := make([][]state.State, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, f.statesForTracker(t, d))
	}
	return out
}

// statesForTracker takes one snapshot before every action plus one of the final tracker.
func (f *FullDialogue) statesForTracker(t *tracker.Tracker, d *domain.Domain) []state.State {
	scratch := t.InitCopy()
	var states []state.State
	for _, e := range t.AppliedEvents() {
		if _, ok := e.(tracker.ActionExecuted); ok {
			states = append(states, ActiveState(scratch, d))
		}
		scratch.Update(e)
	}
	return append(states, ActiveState(scratch, d))
}

// ActiveState featurizes the current turn of a tracker.
func ActiveState(t *tracker.Tracker, d *domain.Domain) state.State {
	var s state.State

	prev := t.LatestActionName()
	if prev != "" {
		s.Set(state.CategoryPrevAction, state.FeatureActionName, state.String(prev))
	}

	// user input only belongs to the turn that started with listening
	if msg := t.LatestMessage(); msg != nil && prev == domain.ActionListen && !msg.IsEmpty() {
		if msg.Intent != "" {
			s.Set(state.CategoryUser, state.FeatureIntent, state.String(msg.Intent))
		}
		if types := msg.EntityTypes(); len(types) > 0 {
			s.Set(state.CategoryUser, state.FeatureEntities, state.Tuple(types...))
		}
	}

	for _, name := range t.SlotNames() {
		slot, known := d.Slots[name]
		if !known || !slot.Featurized() {
			continue
		}
		raw, _ := t.Slot(name)
		if v := slotValue(slot, raw); !v.IsAbsent() {
			s.Set(state.CategorySlots, name, v)
		}
	}

	switch loop := t.ActiveLoop().Name; loop {
	case "":
	case domain.ShouldNotBeSet:
		s.Set(state.CategoryActiveLoop, state.FeatureLoopName, state.Unset())
	default:
		s.Set(state.CategoryActiveLoop, state.FeatureLoopName, state.String(loop))
	}

	return s
}

// slotValue featurizes a slot as a tuple of floats. A slot whose features are all
// zero is left out of the state, like a slot that was never set.
func slotValue(slot domain.Slot, raw any) state.Value {
	if raw == nil {
		return state.Value{}
	}
	if s, ok := raw.(string); ok && s == domain.ShouldNotBeSet {
		return state.Unset()
	}

	features := slotFeatures(slot, raw)
	items := make([]string, len(features))
	nonZero := false
	for i, f := range features {
		nonZero = nonZero || f != 0
		items[i] = formatFeature(f)
	}
	if !nonZero {
		return state.Value{}
	}
	return state.Tuple(items...)
}

func slotFeatures(slot domain.Slot, raw any) []float64 {
	switch slot.Type {
	case domain.SlotBool:
		b, err := boolFromAny(raw)
		if err != nil {
			return []float64{0, 0}
		}
		if b {
			return []float64{1, 1}
		}
		return []float64{1, 0}

	case domain.SlotFloat:
		f, ok := floatFromAny(raw)
		if !ok {
			return []float64{0}
		}
		lo, hi := slot.Bounds()
		capped := math.Max(lo, math.Min(hi, f))
		covered := math.Abs(hi - lo)
		if covered == 0 {
			covered = 1
		}
		return []float64{(capped - lo) / covered}

	case domain.SlotCategorical:
		values := slot.CategoricalValues()
		features := make([]float64, len(values))
		value := strings.ToLower(fmt.Sprint(raw))
		for i, v := range values {
			if strings.ToLower(v) == value {
				features[i] = 1
				return features
			}
		}
		features[len(values)-1] = 1
		return features

	case domain.SlotList:
		v := reflect.ValueOf(raw)
		if (v.Kind() == reflect.Slice || v.Kind() == reflect.Array) && v.Len() > 0 {
			return []float64{1}
		}
		return []float64{0}

	default:
		return []float64{1}
	}
}

// boolFromAny reads booleans the way training data and user input spell them:
// numbers are true only when equal to 1, strings accept true/false and numerals.
func boolFromAny(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		trimmed := strings.ToLower(strings.TrimSpace(v))
		switch trimmed {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		if isNumeral(v) {
			f, err := strconv.ParseFloat(v, 64)
			return err == nil && f == 1, err
		}
		return false, fmt.Errorf("cannot convert %q to a boolean", v)
	}
	if f, ok := floatFromAny(raw); ok {
		return f == 1, nil
	}
	return false, fmt.Errorf("cannot convert %T to a boolean", raw)
}

func isNumeral(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func floatFromAny(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// formatFeature prints a feature the same way for every slot type: 1 -> "1.0", 0.5 -> "0.5".
func formatFeature(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
