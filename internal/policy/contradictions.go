package policy

import (
	"context"
	"fmt"

	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"rulepolicy/internal/domain"
	"rulepolicy/internal/logging"
	"rulepolicy/internal/lookup"
	"rulepolicy/internal/tracker"
)

// contradiction is one training step the tables predict differently.
type contradiction struct {
	SenderID    string
	Gold        string
	RuleTracker bool
}

func (c contradiction) String() string {
	kind := "story"
	if c.RuleTracker {
		kind = "rule"
	}
	return fmt.Sprintf("- the prediction of the action '%s' in %s '%s' is contradicting with another rule or story.",
		c.Gold, kind, c.SenderID)
}

// FindContradictions replays trackers against the committed tables and returns an
// *InvalidRuleError listing every contradicting step, or nil.
func (p *Policy) FindContradictions(ctx context.Context, trackers []*tracker.Tracker, d *domain.Domain) error {
	found, err := p.findContradictions(ctx, trackers, d, p.Tables())
	if err != nil {
		return err
	}
	if len(found) > 0 {
		p.metrics.RecordContradictions(len(found))
		return newContradictionError(found)
	}
	return nil
}

// findContradictions replays every tracker against tables, which must not change
// while the pass runs. Results follow tracker order regardless of scheduling.
func (p *Policy) findContradictions(ctx context.Context, trackers []*tracker.Tracker, d *domain.Domain, tables lookup.Set) ([]contradiction, error) {
	logging.ContradictionDebug("Started checking rules and stories for contradictions.")

	// replays run thousands of predictions
	restore := logging.Quiet(logging.CategoryPrediction, zapcore.WarnLevel)
	defer restore()

	perTracker := make([][]contradiction, len(trackers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, t := range trackers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found, err := p.replay(t, d, tables)
			if err != nil {
				return fmt.Errorf("failed to check tracker '%s': %w", t.SenderID, err)
			}
			perTracker[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []contradiction
	audit := logging.Audit()
	for _, found := range perTracker {
		for _, c := range found {
			audit.Contradiction(c.SenderID, c.Gold, c.RuleTracker)
		}
		all = append(all, found...)
	}

	if len(all) == 0 {
		logging.ContradictionDebug("Found no contradicting rules.")
	} else {
		logging.Contradiction("Found %d contradicting steps in %d trackers", len(all), len(trackers))
	}
	return all, nil
}

// replay walks t's events on a fresh copy, checking every predictable action.
func (p *Policy) replay(t *tracker.Tracker, d *domain.Domain, tables lookup.Set) ([]contradiction, error) {
	running := t.InitCopy()
	// the first action is always unpredictable
	unpredictable := true

	var found []contradiction
	for _, e := range t.AppliedEvents() {
		action, ok := e.(tracker.ActionExecuted)
		if !ok {
			running.Update(e)
			continue
		}

		if action.Name == domain.RuleSnippetAction {
			// the action after a snippet marker is not checked, and the marker is not applied
			unpredictable = true
			continue
		}

		if unpredictable || action.Unpredictable {
			unpredictable = false
			running.Update(e)
			continue
		}

		c, err := p.checkPrediction(running, d, tables, action.Name)
		if err != nil {
			return nil, err
		}
		if c != nil {
			found = append(found, *c)
		}
		running.Update(e)
	}
	return found, nil
}

func (p *Policy) checkPrediction(running *tracker.Tracker, d *domain.Domain, tables lookup.Set, gold string) (*contradiction, error) {
	predicted, ok, err := p.predictNextAction(running, d, tables)
	if err != nil {
		return nil, err
	}
	if !ok || predicted == gold {
		return nil, nil
	}

	// The loop is always predicted first; inside an unhappy path it rejects and
	// another action follows.
	if loop := running.ActiveLoopName(); loop != "" && predicted == loop {
		tracker.EmulateLoopRejection(running)
		predicted, ok, err = p.predictNextAction(running, d, tables)
		if err != nil {
			return nil, err
		}
		if !ok || predicted == gold {
			return nil, nil
		}
	}

	logging.ContradictionDebug("Predicted '%s' instead of '%s' for '%s'", predicted, gold, running.SenderID)
	return &contradiction{SenderID: running.SenderID, Gold: gold, RuleTracker: running.IsRuleTracker}, nil
}

// predictNextAction applies the prediction's events to t. Stories may have no
// applicable rule; rules must always predict, so for rule trackers the default
// vector counts as a prediction of its highest scoring action. With fallback
// disabled that is the first domain action, action_listen.
func (p *Policy) predictNextAction(t *tracker.Tracker, d *domain.Domain, tables lookup.Set) (string, bool, error) {
	pred, err := p.predict(t, d, tables)
	if err != nil {
		return "", false, err
	}
	for _, e := range pred.Events {
		t.Update(e)
	}

	if pred.Decisive() {
		return pred.Action, true, nil
	}
	if t.IsRuleTracker {
		return d.ActionName(argmax(pred.Probabilities)), true, nil
	}
	return "", false, nil
}

// argmax returns the index of the first largest value, 0 for an empty vector.
func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
