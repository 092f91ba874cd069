package lookup

import (
	"rulepolicy/internal/domain"
	"rulepolicy/internal/state"
)

// Build memorizes key -> action for every training pair. A later pair with the same
// key overwrites an earlier one; contradictions are caught by the policy's checker,
// not here. Pairs predicting the rule snippet marker are dropped.
func Build(trackersAsStates [][]state.State, trackersAsActions [][]string) *Table {
	t := NewTable()
	for i, states := range trackersAsStates {
		if i >= len(trackersAsActions) || len(trackersAsActions[i]) == 0 {
			continue
		}
		key, ok := state.Encode(states)
		if !ok {
			continue
		}
		t.put(key, trackersAsActions[i][0], state.Copy(state.Trim(states)))
	}

	for k, e := range t.entries {
		if e.Action == domain.RuleSnippetAction {
			delete(t.entries, k)
		}
	}
	return t
}

// BuildUnhappy memorizes loop exceptions from pairs whose last turn has an active loop.
func BuildUnhappy(trackersAsStates [][]state.State, trackersAsActions [][]string) *Table {
	t := NewTable()
	for i, states := range trackersAsStates {
		if len(states) == 0 || i >= len(trackersAsActions) || len(trackersAsActions[i]) == 0 {
			continue
		}
		action := trackersAsActions[i][0]
		activeLoop := state.ActiveLoopName(states[len(states)-1])
		// identical keys always carry the same loop
		if activeLoop == "" {
			continue
		}

		states = StatesForUnhappyLoopPredictions(states)
		key, ok := state.Encode(states)
		if !ok {
			continue
		}

		current := states[len(states)-1]
		listened := state.IsPrevActionListen(current)
		switch {
		case listened && action == activeLoop:
			t.put(key, string(DoNotValidateLoop), state.Copy(state.Trim(states)))
		case !listened && action != activeLoop:
			t.put(key, string(DoNotPredictLoopAction), state.Copy(state.Trim(states)))
		}
	}
	return t
}

// StatesForUnhappyLoopPredictions keeps the previous action of the turn before the
// current one, plus the current turn. Older context is irrelevant inside a loop.
func StatesForUnhappyLoopPredictions(states []state.State) []state.State {
	last := states[len(states)-1]
	if len(states) == 1 || states[len(states)-2].PrevAction.IsEmpty() {
		return []state.State{last}
	}
	return []state.State{{PrevAction: states[len(states)-2].PrevAction}, last}
}
