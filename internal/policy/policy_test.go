package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"rulepolicy/internal/config"
	"rulepolicy/internal/domain"
	"rulepolicy/internal/logging"
	"rulepolicy/internal/metrics"
	"rulepolicy/internal/nlu"
	"rulepolicy/internal/tracker"
)

const form = "restaurant_form"

func testDomain() *domain.Domain {
	return domain.New(
		[]string{"greet", "bye", "chitchat", "request_restaurant", "inform", "restart", "back", "session_start"},
		[]string{"utter_greet", "utter_bye", "utter_chitchat", "utter_other", "utter_welcome"},
		[]string{form},
		[]domain.Slot{{Name: "cuisine", Type: domain.SlotText}},
	)
}

func listen() tracker.Event { return tracker.ActionExecuted{Name: domain.ActionListen} }

func act(name string) tracker.Event { return tracker.ActionExecuted{Name: name} }

func user(intent string) tracker.Event { return tracker.UserUttered{Intent: intent} }

// rule builds a rule tracker the way training data does: snippet start, listen before
// the user turn, and a closing listen.
func rule(id string, events ...tracker.Event) *tracker.Tracker {
	all := append([]tracker.Event{act(domain.RuleSnippetAction)}, events...)
	all = append(all, listen())
	return tracker.NewRule(id, all...)
}

func story(id string, events ...tracker.Event) *tracker.Tracker {
	return tracker.New(id, events...)
}

func greetRule() *tracker.Tracker {
	return rule("greet", listen(), user("greet"), act("utter_greet"))
}

func chitchatRule() *tracker.Tracker {
	return rule("chitchat", listen(), user("chitchat"), act("utter_chitchat"))
}

func activateFormRule() *tracker.Tracker {
	return rule("activate form", listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form})
}

func trained(t *testing.T, opts Options, trackers ...*tracker.Tracker) *Policy {
	t.Helper()
	p := New(opts)
	require.NoError(t, p.Train(context.Background(), trackers, testDomain(), nlu.PassThrough{}))
	return p
}

func predictAction(t *testing.T, p *Policy, tr *tracker.Tracker) Prediction {
	t.Helper()
	pred, err := p.Predict(tr, testDomain(), nlu.PassThrough{})
	require.NoError(t, err)
	return pred
}

func nonZero(probs []float64) int {
	n := 0
	for _, v := range probs {
		if v != 0 {
			n++
		}
	}
	return n
}

// =============================================================================
// PREDICTION PRECEDENCE
// =============================================================================

func TestPredict_DefaultActionsOverruleEverything(t *testing.T) {
	p := trained(t, DefaultOptions(), greetRule(), activateFormRule())
	d := testDomain()

	tests := []struct {
		intent string
		want   string
	}{
		{"restart", domain.ActionRestart},
		{"back", domain.ActionBack},
		{"session_start", domain.ActionSessionStart},
	}
	for _, tt := range tests {
		t.Run(tt.intent, func(t *testing.T) {
			// an active loop does not matter
			tr := story("s", listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form}, listen(), user(tt.intent))
			pred := predictAction(t, p, tr)
			assert.Equal(t, tt.want, pred.Action)
			assert.Equal(t, SourceDefault, pred.Source)

			idx, _ := d.IndexForAction(tt.want)
			assert.Equal(t, 1.0, pred.Probabilities[idx])
			assert.Equal(t, 1, nonZero(pred.Probabilities))
		})
	}

	// only right after listening
	tr := story("s", listen(), user("restart"), act("utter_greet"))
	assert.NotEqual(t, SourceDefault, predictAction(t, p, tr).Source)
}

func TestPredict_LoopHappyPath(t *testing.T) {
	p := trained(t, DefaultOptions(), greetRule())

	// the loop wins over a matching rule
	tr := story("s", listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form}, listen(), user("greet"))
	pred := predictAction(t, p, tr)
	assert.Equal(t, form, pred.Action)
	assert.Equal(t, SourceLoop, pred.Source)

	// after the loop ran, wait for the user
	tr.Update(act(form))
	pred = predictAction(t, p, tr)
	assert.Equal(t, domain.ActionListen, pred.Action)
	assert.Equal(t, SourceLoop, pred.Source)

	// a rejected loop defers to rules
	tr = story("s", listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form}, listen(), user("greet"))
	tracker.EmulateLoopRejection(tr)
	pred = predictAction(t, p, tr)
	assert.Equal(t, "utter_greet", pred.Action)
	assert.Equal(t, SourceRules, pred.Source)
}

func TestPredict_Rules(t *testing.T) {
	p := trained(t, DefaultOptions(), greetRule())

	tr := story("s", listen(), user("greet"))
	pred := predictAction(t, p, tr)
	assert.Equal(t, "utter_greet", pred.Action)
	assert.Equal(t, SourceRules, pred.Source)
	assert.Equal(t, 1.0, pred.Confidence())
	assert.Equal(t, 1, nonZero(pred.Probabilities))

	tr.Update(act("utter_greet"))
	assert.Equal(t, domain.ActionListen, predictAction(t, p, tr).Action)
}

func TestPredict_FallbackFloor(t *testing.T) {
	d := testDomain()
	p := trained(t, DefaultOptions(), greetRule())

	probs, err := p.PredictActionProbabilities(story("s", listen(), user("bye")), d, nlu.PassThrough{})
	require.NoError(t, err)

	want := make([]float64, d.NumActions())
	idx, _ := d.IndexForAction(domain.ActionDefaultFallback)
	want[idx] = 0.3
	if diff := cmp.Diff(want, probs); diff != "" {
		t.Errorf("fallback vector mismatch (-want +got):\n%s", diff)
	}

	pred := predictAction(t, p, story("s", listen(), user("bye")))
	assert.Equal(t, SourceFallback, pred.Source)
	assert.Equal(t, domain.ActionDefaultFallback, pred.Action)
	assert.False(t, pred.Decisive())
}

func TestPredict_FallbackDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableFallbackPrediction = false
	p := trained(t, opts, greetRule())

	pred := predictAction(t, p, story("s", listen(), user("bye")))
	assert.Equal(t, SourceNone, pred.Source)
	assert.Empty(t, pred.Action)
	assert.Equal(t, 0, nonZero(pred.Probabilities))
}

func TestPredict_UntrainedPolicy(t *testing.T) {
	p := New(DefaultOptions())
	pred := predictAction(t, p, story("s", listen(), user("greet")))
	assert.Equal(t, SourceFallback, pred.Source)
}

func TestPredict_GeneralListenRuleHandsBackToLoop(t *testing.T) {
	p := trained(t, DefaultOptions(), chitchatRule(), activateFormRule())

	tr := story("s", listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form},
		listen(), user("chitchat"))
	tracker.EmulateLoopRejection(tr)

	pred := predictAction(t, p, tr)
	require.Equal(t, "utter_chitchat", pred.Action)

	// the chitchat rule ends with a loop-agnostic listen
	tr.Update(act("utter_chitchat"))
	pred = predictAction(t, p, tr)
	assert.Equal(t, form, pred.Action)
	assert.Equal(t, SourceRules, pred.Source)
}

func TestPredict_DoNotPredictLoopActionSuppressesListen(t *testing.T) {
	// the story waits for the user after chitchat instead of returning to the form
	unhappy := story("unhappy",
		listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form},
		listen(), user("chitchat"), act("utter_chitchat"), listen())

	opts := DefaultOptions()
	opts.CheckForContradictions = false
	p := trained(t, opts, chitchatRule(), activateFormRule(), unhappy)

	tr := story("s", listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form},
		listen(), user("chitchat"))
	tracker.EmulateLoopRejection(tr)
	tr.Update(act("utter_chitchat"))

	pred := predictAction(t, p, tr)
	assert.False(t, pred.Decisive())
	assert.Equal(t, SourceFallback, pred.Source)
}

func TestPredict_DoNotValidateLoopIsReturnedAsEvent(t *testing.T) {
	// the form asks again right after an off-topic answer
	skipValidation := story("skip validation",
		listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form},
		listen(), user("chitchat"), act(form), listen())

	opts := DefaultOptions()
	opts.CheckForContradictions = false
	m := metrics.New()
	opts.Metrics = m
	p := trained(t, opts, activateFormRule(), skipValidation)

	core, logs := observer.New(zapcore.InfoLevel)
	logging.SetLogger(zap.New(core))
	t.Cleanup(func() { logging.SetLogger(nil) })

	tr := story("s", listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form},
		listen(), user("chitchat"))
	tracker.EmulateLoopRejection(tr)
	before := len(tr.Events())

	pred := predictAction(t, p, tr)
	require.Len(t, pred.Events, 1)
	assert.Equal(t, tracker.LoopInterrupted{Interrupted: true}, pred.Events[0])
	assert.Len(t, tr.Events(), before, "Predict does not touch the tracker")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoopInterruptionsTotal))

	interrupted := logs.FilterLoggerName(string(logging.CategoryPrediction)).FilterMessageSnippet("interrupts loop")
	assert.Equal(t, 1, interrupted.Len())

	_, err := p.PredictAndApply(tr, testDomain(), nlu.PassThrough{})
	require.NoError(t, err)
	assert.Len(t, tr.Events(), before+1)
	assert.False(t, tr.ActiveLoop().Validate)
}

func TestPredict_MissingFallbackAction(t *testing.T) {
	opts := DefaultOptions()
	opts.CoreFallbackActionName = "action_missing"
	p := New(opts)

	_, err := p.Predict(story("s", listen(), user("bye")), testDomain(), nlu.PassThrough{})
	var invalid *InvalidDomainError
	require.True(t, errors.As(err, &invalid))
}

func TestPredict_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	opts := DefaultOptions()
	opts.Metrics = m
	p := trained(t, opts, greetRule())

	predictAction(t, p, story("s", listen(), user("greet")))
	predictAction(t, p, story("s", listen(), user("bye")))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PredictionsTotal.WithLabelValues("rules")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PredictionsTotal.WithLabelValues("fallback")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MemorizedRules.WithLabelValues("rules")))
}

// =============================================================================
// TRAINING
// =============================================================================

func TestTrain_RuleRestriction(t *testing.T) {
	twoTurns := rule("two turns", listen(), user("greet"), act("utter_greet"), listen(), user("bye"), act("utter_bye"))

	p := New(DefaultOptions())
	err := p.Train(context.Background(), []*tracker.Tracker{twoTurns, greetRule()}, testDomain(), nlu.PassThrough{})

	var invalid *InvalidRuleError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, []string{"two turns"}, invalid.SenderIDs)
	assert.Contains(t, err.Error(), "Found rules 'two turns' that contain more than 1 user message")
	assert.Contains(t, err.Error(), DocsURLRules)
	assert.Equal(t, 0, p.Tables().Rules.Len(), "nothing is committed on failure")

	opts := DefaultOptions()
	opts.RestrictRules = false
	p = New(opts)
	require.NoError(t, p.Train(context.Background(), []*tracker.Tracker{twoTurns}, testDomain(), nlu.PassThrough{}))
	assert.Positive(t, p.Tables().Rules.Len())
}

func TestTrain_SkipsAugmentedTrackers(t *testing.T) {
	augmented := rule("augmented", listen(), user("bye"), act("utter_bye"))
	augmented.IsAugmented = true

	p := trained(t, DefaultOptions(), greetRule(), augmented)
	assert.Equal(t, SourceFallback, predictAction(t, p, story("s", listen(), user("bye"))).Source)
}

func TestTrain_ContradictingRules(t *testing.T) {
	defer goleak.VerifyNone(t)

	x := rule("rule x", listen(), user("greet"), act("utter_greet"))
	y := rule("rule y", listen(), user("greet"), act("utter_welcome"))

	opts := DefaultOptions()
	opts.Workers = 4
	p := New(opts)
	err := p.Train(context.Background(), []*tracker.Tracker{x, y}, testDomain(), nlu.PassThrough{})

	var invalid *InvalidRuleError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, []string{"rule x"}, invalid.SenderIDs)
	assert.Contains(t, err.Error(), "- the prediction of the action 'utter_greet' in rule 'rule x' is contradicting with another rule or story.")
	assert.Equal(t, 0, p.Tables().Rules.Len())
}

func TestTrain_StoryContradictsRule(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := story("story other", listen(), user("greet"), act("utter_other"), listen())
	m := metrics.New()
	opts := DefaultOptions()
	opts.Metrics = m
	p := New(opts)

	err := p.Train(context.Background(), []*tracker.Tracker{greetRule(), s}, testDomain(), nlu.PassThrough{})
	var invalid *InvalidRuleError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, err.Error(), "in story 'story other'")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContradictionsTotal))

	opts.CheckForContradictions = false
	p = New(opts)
	require.NoError(t, p.Train(context.Background(), []*tracker.Tracker{greetRule(), s}, testDomain(), nlu.PassThrough{}))
}

func TestFindContradictions_AgainstTrainedTables(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := trained(t, DefaultOptions(), greetRule())
	d := testDomain()

	agrees := story("agrees", listen(), user("greet"), act("utter_greet"), listen())
	require.NoError(t, p.FindContradictions(context.Background(), []*tracker.Tracker{agrees}, d))

	disagrees := story("disagrees", listen(), user("greet"), act("utter_other"), listen())
	err := p.FindContradictions(context.Background(), []*tracker.Tracker{agrees, disagrees}, d)
	var invalid *InvalidRuleError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, []string{"disagrees"}, invalid.SenderIDs)
}

// Two stories share the key [listen, greet] but continue with different actions.
// Only rule trackers populate the rules table, so the stories are replayed against
// rules alone and disagreeing with each other is not an InvalidRuleError. The same
// pair of continuations as rules, or a story against a rule, is one (see
// TestTrain_ContradictingRules and TestTrain_StoryContradictsRule).
func TestTrain_TwoStoriesWithSameKeyAreNotContradictions(t *testing.T) {
	a := story("a", listen(), user("greet"), act("utter_greet"), listen())
	b := story("b", listen(), user("greet"), act("utter_welcome"), listen())
	p := trained(t, DefaultOptions(), a, b)
	assert.Zero(t, p.Tables().Rules.Len())
}

func TestTrain_LoopUnhappyPathIsNotAContradiction(t *testing.T) {
	defer goleak.VerifyNone(t)

	unhappy := story("unhappy",
		listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form},
		listen(), user("chitchat"), act("utter_chitchat"), act(form), listen())

	p := trained(t, DefaultOptions(), chitchatRule(), activateFormRule(), unhappy)
	assert.Positive(t, p.Tables().LoopUnhappy.Len())
}

func TestTrain_UnhappyPathContradiction(t *testing.T) {
	unhappy := story("unhappy",
		listen(), user("request_restaurant"), act(form), tracker.ActiveLoop{Name: form},
		listen(), user("chitchat"), act("utter_other"), act(form), listen())

	p := New(DefaultOptions())
	err := p.Train(context.Background(), []*tracker.Tracker{chitchatRule(), activateFormRule(), unhappy}, testDomain(), nlu.PassThrough{})
	var invalid *InvalidRuleError
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, err.Error(), "the prediction of the action 'utter_other' in story 'unhappy'")
}

func TestTrain_RuleWithoutPrediction(t *testing.T) {
	// a rule whose only step is unpredictable cannot be replayed wrongly
	unpredictable := tracker.NewRule("unpredictable", act(domain.RuleSnippetAction), listen(), user("greet"),
		tracker.ActionExecuted{Name: "utter_greet", Unpredictable: true})
	trained(t, DefaultOptions(), unpredictable)
}

func TestFindContradictions_RuleWithoutMatchingRule(t *testing.T) {
	d := testDomain()
	// the step after the snippet is unpredictable, only the closing listen is checked
	endsListening := tracker.NewRule("ends listening", act(domain.RuleSnippetAction), act("utter_greet"), listen())
	endsGreeting := tracker.NewRule("ends greeting", act(domain.RuleSnippetAction), act("utter_bye"), listen(), user("greet"), act("utter_greet"))

	tests := []struct {
		name     string
		fallback bool
		trackers []*tracker.Tracker
		wantIDs  []string
	}{
		// an all-zero vector reads as its first action, action_listen
		{"fallback disabled predicts listen", false, []*tracker.Tracker{endsListening}, nil},
		{"fallback disabled misses other actions", false, []*tracker.Tracker{endsGreeting}, []string{"ends greeting"}},
		{"fallback enabled predicts fallback", true, []*tracker.Tracker{endsListening}, []string{"ends listening"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.EnableFallbackPrediction = tt.fallback
			p := New(opts)

			err := p.FindContradictions(context.Background(), tt.trackers, d)
			if tt.wantIDs == nil {
				require.NoError(t, err)
				return
			}
			var invalid *InvalidRuleError
			require.True(t, errors.As(err, &invalid), "got %v", err)
			assert.Equal(t, tt.wantIDs, invalid.SenderIDs)
		})
	}
}

func TestTrain_ContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(DefaultOptions())
	err := p.Train(ctx, []*tracker.Tracker{greetRule()}, testDomain(), nlu.PassThrough{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestTrain_RetrainKeepsOldTablesOnFailure(t *testing.T) {
	p := trained(t, DefaultOptions(), greetRule())
	before := p.Tables().Rules.ToMap()

	x := rule("rule x", listen(), user("greet"), act("utter_greet"))
	y := rule("rule y", listen(), user("greet"), act("utter_welcome"))
	require.Error(t, p.Train(context.Background(), []*tracker.Tracker{x, y}, testDomain(), nlu.PassThrough{}))

	assert.Equal(t, before, p.Tables().Rules.ToMap())
}

// =============================================================================
// DOMAIN VALIDATION
// =============================================================================

func TestValidateAgainstDomain(t *testing.T) {
	var none *Policy
	assert.NoError(t, none.ValidateAgainstDomain(nil))

	p := New(DefaultOptions())
	assert.NoError(t, p.ValidateAgainstDomain(testDomain()))

	var invalid *InvalidDomainError
	err := p.ValidateAgainstDomain(nil)
	require.True(t, errors.As(err, &invalid))
	assert.Contains(t, err.Error(), "'action_default_fallback'")

	opts := DefaultOptions()
	opts.CoreFallbackActionName = "action_custom_fallback"
	p = New(opts)
	require.Error(t, p.ValidateAgainstDomain(testDomain()))
	require.Error(t, p.Train(context.Background(), nil, testDomain(), nlu.PassThrough{}))

	opts.EnableFallbackPrediction = false
	p = New(opts)
	assert.NoError(t, p.ValidateAgainstDomain(testDomain()))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Training.Workers = 8
	cfg.Policy.RestrictRules = false

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 8, opts.Workers)
	assert.False(t, opts.RestrictRules)
	assert.Equal(t, DefaultPriority, opts.Priority)
	assert.Equal(t, DefaultCoreFallbackThreshold, opts.CoreFallbackThreshold)

	assert.Equal(t, 1, New(Options{}).Options().Workers)
}
