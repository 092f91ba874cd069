package policy

import (
	"fmt"

	"rulepolicy/internal/domain"
	"rulepolicy/internal/logging"
	"rulepolicy/internal/lookup"
	"rulepolicy/internal/matcher"
	"rulepolicy/internal/nlu"
	"rulepolicy/internal/state"
	"rulepolicy/internal/tracker"
)

// Source names the precedence step that decided a prediction.
type Source string

const (
	SourceNone     Source = "none"
	SourceDefault  Source = "default"
	SourceLoop     Source = "loop"
	SourceRules    Source = "rules"
	SourceFallback Source = "fallback"
)

// defaultActionMappings are built-in intents that overrule everything.
var defaultActionMappings = map[string]string{
	domain.IntentRestart:      domain.ActionRestart,
	domain.IntentBack:         domain.ActionBack,
	domain.IntentSessionStart: domain.ActionSessionStart,
}

// Prediction is the outcome of one Predict call.
type Prediction struct {
	// Probabilities has one entry per domain action. At most one entry is non-zero.
	Probabilities []float64
	// Action is the predicted action, the fallback action for the fallback floor,
	// or "" when nothing was predicted.
	Action string
	Source Source
	// Events must be appended to the tracker by the caller (see PredictAndApply).
	Events []tracker.Event
}

// Confidence returns the probability of the predicted action.
func (p Prediction) Confidence() float64 {
	for _, v := range p.Probabilities {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Decisive reports whether a precedence step fired, as opposed to the default vector.
func (p Prediction) Decisive() bool {
	return p.Source == SourceDefault || p.Source == SourceLoop || p.Source == SourceRules
}

// Predict returns the next action for t without modifying it. The interpreter is
// accepted for parity with statistical policies and is not consulted.
func (p *Policy) Predict(t *tracker.Tracker, d *domain.Domain, interpreter nlu.Interpreter) (Prediction, error) {
	pred, err := p.predict(t, d, p.Tables())
	if err != nil {
		return Prediction{}, err
	}

	p.metrics.RecordPrediction(string(pred.Source))
	audit := logging.Audit()
	switch pred.Source {
	case SourceDefault:
		audit.Prediction(logging.AuditPredictDefault, t.SenderID, pred.Action, string(pred.Source), pred.Confidence())
	case SourceLoop:
		audit.Prediction(logging.AuditPredictLoop, t.SenderID, pred.Action, string(pred.Source), pred.Confidence())
	case SourceRules:
		audit.Prediction(logging.AuditPredictRule, t.SenderID, pred.Action, string(pred.Source), pred.Confidence())
	case SourceFallback:
		audit.Prediction(logging.AuditPredictFallback, t.SenderID, pred.Action, string(pred.Source), pred.Confidence())
	default:
		audit.Prediction(logging.AuditPredictAbstain, t.SenderID, "", string(pred.Source), 0)
	}
	if len(pred.Events) > 0 {
		logging.Prediction("Rule for '%s' interrupts loop '%s' without validating it.", t.SenderID, t.ActiveLoopName())
		p.metrics.RecordLoopInterruption()
		audit.LoopInterrupted(t.SenderID, t.ActiveLoopName())
	}
	return pred, nil
}

// PredictAndApply predicts and appends the prediction's side-effect events to t.
func (p *Policy) PredictAndApply(t *tracker.Tracker, d *domain.Domain, interpreter nlu.Interpreter) (Prediction, error) {
	pred, err := p.Predict(t, d, interpreter)
	if err != nil {
		return Prediction{}, err
	}
	for _, e := range pred.Events {
		t.Update(e)
	}
	return pred, nil
}

// PredictActionProbabilities returns the probability vector over d's actions,
// applying side effects to t.
func (p *Policy) PredictActionProbabilities(t *tracker.Tracker, d *domain.Domain, interpreter nlu.Interpreter) ([]float64, error) {
	pred, err := p.PredictAndApply(t, d, interpreter)
	if err != nil {
		return nil, err
	}
	return pred.Probabilities, nil
}

// predict runs the precedence chain against tables. It has no side effects.
func (p *Policy) predict(t *tracker.Tracker, d *domain.Domain, tables lookup.Set) (Prediction, error) {
	// Default actions overrule anything, loops included.
	if name := actionFromDefaultActions(t); name != "" {
		logging.PredictionDebug("Predicted default action '%s'.", name)
		return p.predictionResult(name, SourceDefault, d, nil)
	}

	// A loop has priority over any rule until it is rejected.
	if name := actionFromLoopHappyPath(t); name != "" {
		return p.predictionResult(name, SourceLoop, d, nil)
	}

	name, events := p.actionFromRules(t, d, tables)
	if name != "" {
		return p.predictionResult(name, SourceRules, d, events)
	}

	result, err := p.defaultPredictions(d)
	if err != nil {
		return Prediction{}, err
	}
	pred := Prediction{Probabilities: result, Source: SourceNone, Events: events}
	if p.opts.EnableFallbackPrediction {
		pred.Action = p.opts.CoreFallbackActionName
		pred.Source = SourceFallback
	}
	return pred, nil
}

func actionFromDefaultActions(t *tracker.Tracker) string {
	msg := t.LatestMessage()
	if t.LatestActionName() != domain.ActionListen || msg == nil {
		return ""
	}
	return defaultActionMappings[msg.Intent]
}

func actionFromLoopHappyPath(t *tracker.Tracker) string {
	loop := t.ActiveLoopName()
	if loop == "" || t.IsActiveLoopRejected() {
		return ""
	}
	if t.LatestActionName() != loop {
		logging.PredictionDebug("Predicted loop '%s'.", loop)
		return loop
	}
	// the loop ran successfully, so wait for the user
	logging.PredictionDebug("Predicted '%s' after loop '%s'.", domain.ActionListen, loop)
	return domain.ActionListen
}

func (p *Policy) actionFromRules(t *tracker.Tracker, d *domain.Domain, tables lookup.Set) (string, []tracker.Event) {
	states := p.featurizer.PredictionStates([]*tracker.Tracker{t}, d)[0]
	logging.PredictionDebug("Current tracker state: %s", state.EncodeAll(states))

	var predicted string
	bestKey, matched := matcher.Best(tables.Rules, matcher.Match(tables.Rules, states))
	if matched {
		predicted, _ = tables.Rules.Get(bestKey)
	}

	var events []tracker.Event
	if loop := t.ActiveLoopName(); loop != "" {
		conditions := matcher.Values(tables.LoopUnhappy, matcher.Match(tables.LoopUnhappy, states))

		// Rules may not switch back to the loop explicitly, so a listen coming from
		// a loop-agnostic rule hands control back to the loop.
		if predicted == domain.ActionListen && !ruleReferencesLoop(tables.Rules, bestKey) {
			if !hasVerdict(conditions, lookup.DoNotPredictLoopAction) {
				logging.PredictionDebug("Predicted loop '%s' by overwriting '%s' predicted by general rule.",
					loop, domain.ActionListen)
				return loop, nil
			}
			predicted = ""
		}

		if hasVerdict(conditions, lookup.DoNotValidateLoop) {
			logging.PredictionDebug("Added LoopInterrupted(true) event.")
			events = append(events, tracker.LoopInterrupted{Interrupted: true})
		}
	}

	if predicted != "" {
		logging.PredictionDebug("There is a rule for the next action '%s'.", predicted)
	} else {
		logging.PredictionDebug("There is no applicable rule.")
	}
	return predicted, events
}

func ruleReferencesLoop(t *lookup.Table, k state.Key) bool {
	e, ok := t.Entry(k)
	if !ok || len(e.States) == 0 {
		return false
	}
	return state.ActiveLoopName(e.States[len(e.States)-1]) != ""
}

func hasVerdict(conditions []string, v lookup.Verdict) bool {
	for _, c := range conditions {
		if c == string(v) {
			return true
		}
	}
	return false
}

// defaultPredictions is the vector returned when no step fires: zeros, plus the
// fallback threshold at the fallback action when fallback prediction is enabled.
func (p *Policy) defaultPredictions(d *domain.Domain) ([]float64, error) {
	result := make([]float64, d.NumActions())
	if p.opts.EnableFallbackPrediction {
		idx, ok := d.IndexForAction(p.opts.CoreFallbackActionName)
		if !ok {
			return nil, missingFallbackError(p.opts.CoreFallbackActionName)
		}
		result[idx] = p.opts.CoreFallbackThreshold
	}
	return result, nil
}

func (p *Policy) predictionResult(name string, source Source, d *domain.Domain, events []tracker.Event) (Prediction, error) {
	idx, ok := d.IndexForAction(name)
	if !ok {
		return Prediction{}, fmt.Errorf("predicted action '%s' is not in the domain", name)
	}
	result := make([]float64, d.NumActions())
	result[idx] = 1.0
	return Prediction{Probabilities: result, Action: name, Source: source, Events: events}, nil
}
