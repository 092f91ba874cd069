package lookup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulepolicy/internal/domain"
	"rulepolicy/internal/state"
)

func turn(prevAction, intent, loop string) state.State {
	var s state.State
	if prevAction != "" {
		s.Set(state.CategoryPrevAction, state.FeatureActionName, state.String(prevAction))
	}
	if intent != "" {
		s.Set(state.CategoryUser, state.FeatureIntent, state.String(intent))
	}
	if loop != "" {
		s.Set(state.CategoryActiveLoop, state.FeatureLoopName, state.String(loop))
	}
	return s
}

func TestBuild(t *testing.T) {
	greet := turn(domain.ActionListen, "greet", "")
	statesList := [][]state.State{
		{{}},
		{{}, turn(domain.RuleSnippetAction, "", "")},
		{{}, turn(domain.RuleSnippetAction, "", ""), greet},
		{{}, turn(domain.RuleSnippetAction, "", ""), greet, turn("utter_greet", "", "")},
	}
	actions := [][]string{{domain.RuleSnippetAction}, {domain.ActionListen}, {"utter_greet"}, {domain.ActionListen}}

	table := Build(statesList, actions)
	require.Equal(t, 2, table.Len())

	k, _ := state.Encode(statesList[2])
	action, ok := table.Get(k)
	require.True(t, ok)
	assert.Equal(t, "utter_greet", action)

	e, ok := table.Entry(k)
	require.True(t, ok)
	assert.Len(t, e.States, 1)

	for _, e := range table.Entries() {
		assert.NotEqual(t, domain.RuleSnippetAction, e.Action)
	}
}

func TestBuild_CollisionOverwrites(t *testing.T) {
	s := []state.State{{}, turn(domain.ActionListen, "a", "")}
	table := Build([][]state.State{s, s}, [][]string{{"action_x"}, {"action_y"}})

	require.Equal(t, 1, table.Len())
	k, _ := state.Encode(s)
	action, _ := table.Get(k)
	assert.Equal(t, "action_y", action)
}

func TestBuildUnhappy_DoNotValidateLoop(t *testing.T) {
	states := []state.State{
		turn(domain.ActionListen, "request", ""),
		turn("loop_l", "", "loop_l"),
		turn(domain.ActionListen, "chitchat", "loop_l"),
	}
	table := BuildUnhappy([][]state.State{states}, [][]string{{"loop_l"}})
	require.Equal(t, 1, table.Len())

	e := table.Entries()[0]
	assert.Equal(t, string(DoNotValidateLoop), e.Action)
	require.Len(t, e.States, 2)
	// only the previous action of the older turn survives compression
	assert.Equal(t, "loop_l", e.States[0].PrevActionName())
	assert.True(t, e.States[0].ActiveLoop.IsEmpty())
}

func TestBuildUnhappy_DoNotPredictLoopAction(t *testing.T) {
	states := []state.State{
		turn("loop_l", "", "loop_l"),
		turn("other_action", "", "loop_l"),
	}
	table := BuildUnhappy([][]state.State{states}, [][]string{{"other_action"}})
	require.Equal(t, 1, table.Len())
	assert.Equal(t, string(DoNotPredictLoopAction), table.Entries()[0].Action)
}

func TestBuildUnhappy_DefaultBehaviourNotRecorded(t *testing.T) {
	tests := []struct {
		name   string
		states []state.State
		action string
	}{
		{
			name:   "no active loop",
			states: []state.State{turn(domain.ActionListen, "greet", "")},
			action: "utter_greet",
		},
		{
			name:   "listen then other action",
			states: []state.State{turn("loop_l", "", "loop_l"), turn(domain.ActionListen, "inform", "loop_l")},
			action: "utter_x",
		},
		{
			name:   "loop after loop",
			states: []state.State{turn("utter_x", "", "loop_l"), turn("utter_y", "", "loop_l")},
			action: "loop_l",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := BuildUnhappy([][]state.State{tt.states}, [][]string{{tt.action}})
			assert.Equal(t, 0, table.Len())
		})
	}
}

func TestStatesForUnhappyLoopPredictions(t *testing.T) {
	single := []state.State{turn(domain.ActionListen, "x", "l")}
	assert.Len(t, StatesForUnhappyLoopPredictions(single), 1)

	noPrev := []state.State{{}, turn(domain.ActionListen, "x", "l")}
	assert.Len(t, StatesForUnhappyLoopPredictions(noPrev), 1)

	long := []state.State{{}, turn("a", "", ""), turn(domain.ActionListen, "i", "l"), turn("b", "", "l")}
	got := StatesForUnhappyLoopPredictions(long)
	require.Len(t, got, 2)
	assert.True(t, got[0].User.IsEmpty())
	assert.Equal(t, domain.ActionListen, got[0].PrevActionName())
}

func TestSet_MapRoundTrip(t *testing.T) {
	s := []state.State{{}, turn(domain.ActionListen, "a", "")}
	set := Set{
		Rules:       Build([][]state.State{s}, [][]string{{"action_x"}}),
		LoopUnhappy: NewTable(),
	}

	restored, err := SetFromMap(set.ToMap())
	require.NoError(t, err)
	assert.Equal(t, set.Rules.ToMap(), restored.Rules.ToMap())
	assert.Equal(t, 0, restored.LoopUnhappy.Len())

	e := restored.Rules.Entries()[0]
	assert.Len(t, e.States, 2)

	_, err = SetFromMap(map[TableName]map[string]string{TableRules: {"{broken": "x"}})
	require.Error(t, err)
}
