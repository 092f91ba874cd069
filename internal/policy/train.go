package policy

import (
	"context"
	"time"

	"rulepolicy/internal/domain"
	"rulepolicy/internal/logging"
	"rulepolicy/internal/lookup"
	"rulepolicy/internal/nlu"
	"rulepolicy/internal/state"
	"rulepolicy/internal/tracker"
)

// Train memorizes rule trackers into the rules table and all trackers into the loop
// unhappy-path table, then replays every tracker to prove nothing contradicts the
// tables. On any error the previously committed tables stay in place.
//
// Augmented trackers are ignored. Rule trackers with more than
// AllowedNumberOfUserInputs user messages fail training when RestrictRules is set.
func (p *Policy) Train(ctx context.Context, trackers []*tracker.Tracker, d *domain.Domain, interpreter nlu.Interpreter) (err error) {
	timer := logging.StartTimer(logging.CategoryTraining, "Train")
	start := time.Now()
	defer func() {
		timer.Stop()
		p.metrics.RecordTraining(time.Since(start).Seconds(), err == nil)
	}()

	if err := p.ValidateAgainstDomain(d); err != nil {
		return err
	}

	var training, rules, stories []*tracker.Tracker
	for _, t := range trackers {
		if t.IsAugmented {
			continue
		}
		training = append(training, t)
		if t.IsRuleTracker {
			rules = append(rules, t)
		} else {
			stories = append(stories, t)
		}
	}
	logging.Training("Training on %d rule and %d story trackers (%d augmented skipped)",
		len(rules), len(stories), len(trackers)-len(training))

	if p.opts.RestrictRules {
		if err := p.checkRuleRestriction(rules); err != nil {
			return err
		}
	}

	ruleStates, ruleActions := p.featurizer.TrainingStatesAndActions(rules, d)
	storyStates, storyActions := p.featurizer.TrainingStatesAndActions(stories, d)

	allStates := make([][]state.State, 0, len(ruleStates)+len(storyStates))
	allStates = append(append(allStates, ruleStates...), storyStates...)
	allActions := make([][]string, 0, len(ruleActions)+len(storyActions))
	allActions = append(append(allActions, ruleActions...), storyActions...)

	tables := lookup.Set{
		Rules: lookup.Build(ruleStates, ruleActions),
		// unhappy-path entries are auxiliary to rules, so stories contribute too
		LoopUnhappy: lookup.BuildUnhappy(allStates, allActions),
	}
	logging.TrainingDebug("Built lookup tables: %d rules, %d unhappy-path entries",
		tables.Rules.Len(), tables.LoopUnhappy.Len())

	if p.opts.CheckForContradictions {
		found, err := p.findContradictions(ctx, training, d, tables)
		if err != nil {
			return err
		}
		if len(found) > 0 {
			p.metrics.RecordContradictions(len(found))
			invalid := newContradictionError(found)
			logging.Audit().TrainingFailed(logging.AuditContradiction, invalid.Message, len(found))
			return invalid
		}
	}

	p.commit(tables)
	logging.Training("Memorized '%d' unique rules.", tables.Rules.Len())
	logging.Audit().TrainingComplete(tables.Rules.Len(), tables.LoopUnhappy.Len(), time.Since(start).Milliseconds())
	return nil
}

func (p *Policy) checkRuleRestriction(rules []*tracker.Tracker) error {
	var exceeding []string
	for _, t := range rules {
		if t.UserMessageCount() > AllowedNumberOfUserInputs {
			exceeding = append(exceeding, t.SenderID)
		}
	}
	if len(exceeding) == 0 {
		return nil
	}

	p.metrics.RecordRuleRestrictionViolations(len(exceeding))
	invalid := newRuleRestrictionError(exceeding)
	logging.TrainingWarn("%d rules exceed the user message limit", len(exceeding))
	logging.Audit().TrainingFailed(logging.AuditRuleRestriction, invalid.Message, len(exceeding))
	return invalid
}

// ValidateAgainstDomain fails when fallback prediction is enabled but the fallback
// action is missing from d. A nil policy validates against anything.
func (p *Policy) ValidateAgainstDomain(d *domain.Domain) error {
	if p == nil || !p.opts.EnableFallbackPrediction {
		return nil
	}
	if d == nil || !d.HasAction(p.opts.CoreFallbackActionName) {
		return missingFallbackError(p.opts.CoreFallbackActionName)
	}
	return nil
}
