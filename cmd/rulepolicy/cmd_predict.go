package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rulepolicy/internal/domain"
	"rulepolicy/internal/metrics"
	"rulepolicy/internal/nlu"
	"rulepolicy/internal/policy"
	"rulepolicy/internal/store"
	"rulepolicy/internal/tracker"
)

var (
	predictRunID  string
	predictLatest bool
	predictSlots  []string
	predictTop    int
)

// predictCmd predicts the next action for a conversation given on the command line
var predictCmd = &cobra.Command{
	Use:   "predict [turns...]",
	Short: "Predict the next action of a conversation",
	Long: `Builds a conversation from the given turns and prints the action the trained
policy predicts next. Turns starting with "/" are user messages in the form
/intent{"entity": "value"}; any other turn is a bot action.

Examples:
  rulepolicy predict /greet
  rulepolicy predict /request_restaurant restaurant_form --slot cuisine=thai
  rulepolicy predict --latest /bye`,
	RunE: runPredict,
}

func init() {
	predictCmd.Flags().StringVar(&predictRunID, "run", "", "Load the policy of a recorded run")
	predictCmd.Flags().BoolVar(&predictLatest, "latest", false, "Load the policy of the latest recorded run")
	predictCmd.Flags().StringSliceVar(&predictSlots, "slot", nil, "Set a slot before the first turn (name=value)")
	predictCmd.Flags().IntVar(&predictTop, "top", 3, "Number of actions to list")
}

// loadPolicy reads the trained policy from the run store or the model directory.
func loadPolicy(ctx context.Context, m *metrics.Metrics) (*policy.Policy, string, error) {
	opts := policy.OptionsFromConfig(cfg)
	opts.Metrics = m

	if predictRunID == "" && !predictLatest {
		p, err := policy.LoadFromDir(cfg.Training.ModelDir, opts)
		return p, cfg.Training.ModelDir, err
	}

	s, err := store.NewRunStore(cfg.Store.DatabasePath)
	if err != nil {
		return nil, "", err
	}
	defer s.Close()

	runID := predictRunID
	var md policy.Metadata
	if runID == "" {
		var run store.Run
		md, run, err = s.LatestMetadata(ctx)
		runID = run.ID
	} else {
		md, err = s.Metadata(ctx, runID)
	}
	if err != nil {
		return nil, "", err
	}
	p, err := policy.Load(md, opts)
	return p, "run " + runID, err
}

// conversationFromTurns replays turns into a tracker, listening before every user message.
func conversationFromTurns(turns, slots []string, interpreter nlu.Interpreter) (*tracker.Tracker, error) {
	t := tracker.New("")
	for _, kv := range slots {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid slot %q, expected name=value", kv)
		}
		t.Update(tracker.SlotSet{Name: name, Value: value})
	}

	for _, turn := range turns {
		if !strings.HasPrefix(turn, "/") {
			t.Update(tracker.ActionExecuted{Name: turn})
			continue
		}
		msg, err := interpreter.Parse(turn)
		if err != nil {
			return nil, err
		}
		if t.LatestActionName() != domain.ActionListen {
			t.Update(tracker.ActionExecuted{Name: domain.ActionListen})
		}
		t.Update(msg)
	}
	return t, nil
}

func runPredict(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	d, err := loadDomain()
	if err != nil {
		return err
	}
	m := metrics.New()
	p, source, err := loadPolicy(ctx, m)
	if err != nil {
		return err
	}
	if err := p.ValidateAgainstDomain(d); err != nil {
		return describeTrainingError(err)
	}

	interpreter := nlu.NewRegexInterpreter()
	t, err := conversationFromTurns(args, predictSlots, interpreter)
	if err != nil {
		return err
	}

	pred, err := p.PredictAndApply(t, d, interpreter)
	if err != nil {
		return err
	}
	exportMetrics(m)
	logger.Debug("Predicted", zap.String("sender_id", t.SenderID), zap.String("action", pred.Action),
		zap.String("source", string(pred.Source)))

	action := pred.Action
	if action == "" {
		action = styles.Muted.Render("(no prediction)")
	}
	lines := []string{
		field("Policy", source),
		field("Action", action),
		field("Source", pred.Source),
		field("Confidence", fmt.Sprintf("%.2f", pred.Confidence())),
	}
	for _, e := range pred.Events {
		lines = append(lines, field("Event", fmt.Sprintf("%s %+v", e.Type(), e)))
	}
	for _, ranked := range topActions(pred.Probabilities, d, predictTop) {
		lines = append(lines, styles.Muted.Render(ranked))
	}
	fmt.Fprintln(cmd.OutOrStdout(), report("Prediction", lines...))
	return nil
}

// topActions lists the n most probable non-zero actions.
func topActions(probs []float64, d *domain.Domain, n int) []string {
	type scored struct {
		name string
		p    float64
	}
	var all []scored
	for i, p := range probs {
		if p > 0 {
			all = append(all, scored{name: d.ActionName(i), p: p})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].p > all[j].p })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]string, 0, len(all))
	for _, s := range all {
		out = append(out, fmt.Sprintf("%-24s %.2f", s.name, s.p))
	}
	return out
}
