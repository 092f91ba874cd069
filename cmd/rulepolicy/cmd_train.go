package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rulepolicy/internal/logging"
	"rulepolicy/internal/metrics"
	"rulepolicy/internal/nlu"
	"rulepolicy/internal/policy"
	"rulepolicy/internal/store"
	"rulepolicy/internal/trainingdata"
)

var (
	noStore    bool
	watchFiles bool
)

// trainCmd trains the policy and persists its lookup tables
var trainCmd = &cobra.Command{
	Use:   "train [data files...]",
	Short: "Train the rule policy from rules and stories",
	Long: `Loads the domain and the YAML training data, memorizes every rule, checks
rules and stories for contradictions and writes the trained tables to the model
directory. When the run store is enabled the tables are recorded there too.

With --watch the command keeps running and retrains whenever a data file changes.

Example:
  rulepolicy train -d domain.yml data/rules.yml data/stories.yml
  rulepolicy train --watch data/rules.yml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTrain,
}

// checkCmd trains in memory to report contradictions without writing anything
var checkCmd = &cobra.Command{
	Use:   "check [data files...]",
	Short: "Check rules and stories for contradictions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheck,
}

func init() {
	trainCmd.Flags().BoolVar(&noStore, "no-store", false, "Do not record the run in the SQLite store")
	trainCmd.Flags().BoolVar(&watchFiles, "watch", false, "Retrain whenever a data file changes")
}

// trainResult is what a training run produced.
type trainResult struct {
	policy   *policy.Policy
	metrics  *metrics.Metrics
	trackers int
	duration time.Duration
}

// trainFromFiles loads the domain and data and trains a fresh policy.
func trainFromFiles(ctx context.Context, paths []string) (*trainResult, error) {
	d, err := loadDomain()
	if err != nil {
		return nil, err
	}

	interpreter := nlu.NewRegexInterpreter()
	trackers, err := trainingdata.NewLoader(interpreter).LoadFiles(paths...)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded training data", zap.Int("trackers", len(trackers)), zap.Strings("files", paths))

	m := metrics.New()
	opts := policy.OptionsFromConfig(cfg)
	opts.Metrics = m
	p := policy.New(opts)

	start := time.Now()
	if err := p.Train(ctx, trackers, d, interpreter); err != nil {
		return &trainResult{metrics: m, trackers: len(trackers)}, err
	}
	return &trainResult{policy: p, metrics: m, trackers: len(trackers), duration: time.Since(start)}, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	if watchFiles {
		return watchAndTrain(cmd, args)
	}

	ctx, cancel := commandContext()
	defer cancel()
	return trainAndPersist(ctx, cmd, args)
}

// trainAndPersist runs one training and writes the model, the run record and metrics.
func trainAndPersist(ctx context.Context, cmd *cobra.Command, args []string) error {
	res, err := trainFromFiles(ctx, args)
	if res != nil {
		exportMetrics(res.metrics)
	}
	if err != nil {
		return describeTrainingError(err)
	}

	modelDir := cfg.Training.ModelDir
	if err := res.policy.Persist(modelDir); err != nil {
		return err
	}

	runID := ""
	if cfg.IsStoreEnabled() && !noStore {
		runID, err = recordRun(ctx, res.policy, strings.Join(args, ","))
		if err != nil {
			return err
		}
	}

	tables := res.policy.Tables()
	lines := []string{
		field("Trackers", res.trackers),
		field("Rules memorized", tables.Rules.Len()),
		field("Unhappy-path entries", tables.LoopUnhappy.Len()),
		field("Duration", res.duration.Round(time.Millisecond)),
		field("Model", filepath.Join(modelDir, policy.MetadataFilename)),
	}
	if runID != "" {
		lines = append(lines, field("Run", runID))
	}
	fmt.Fprintln(cmd.OutOrStdout(), report("Training complete", lines...))
	return nil
}

// watchAndTrain trains once, then again after every change, until interrupted.
// Failed trainings are reported and the previous model stays in place.
func watchAndTrain(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retrain := func(ctx context.Context) {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		timer := logging.StartTimer(logging.CategoryTraining, "Retraining")
		if err := trainAndPersist(tctx, cmd, args); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), styles.Error.Render(err.Error()))
			return
		}
		timer.StopWithInfo()
	}

	w, err := trainingdata.NewWatcher(args, trainingdata.DefaultDebounce, retrain)
	if err != nil {
		return err
	}
	defer w.Stop()

	retrain(ctx)
	w.Start(ctx)
	fmt.Fprintln(cmd.OutOrStdout(), styles.Muted.Render("Watching "+strings.Join(args, ", ")+" for changes. Press Ctrl+C to stop."))
	<-w.Done()
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	res, err := trainFromFiles(ctx, args)
	if err != nil {
		return describeTrainingError(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render(
		fmt.Sprintf("No contradictions found in %d rules and stories.", res.trackers)))
	return nil
}

func recordRun(ctx context.Context, p *policy.Policy, source string) (string, error) {
	s, err := store.NewRunStore(cfg.Store.DatabasePath)
	if err != nil {
		return "", err
	}
	defer s.Close()
	runID, err := s.SaveMetadata(ctx, p.Metadata(), source)
	logging.AuditWithRun(runID).Persistence(logging.AuditPolicyPersisted, s.Path(), err)
	return runID, err
}

func exportMetrics(m *metrics.Metrics) {
	if !cfg.IsMetricsExportEnabled() {
		return
	}
	if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("Failed to export metrics", zap.String("path", cfg.Metrics.Textfile), zap.Error(err))
	}
}

// describeTrainingError keeps the full rule report and prefixes the offending trackers.
func describeTrainingError(err error) error {
	var ruleErr *policy.InvalidRuleError
	if errors.As(err, &ruleErr) {
		return fmt.Errorf("training rejected %d tracker(s): %w", len(ruleErr.SenderIDs), err)
	}
	var domainErr *policy.InvalidDomainError
	if errors.As(err, &domainErr) {
		return fmt.Errorf("domain %s does not fit the policy: %w", domainPath, err)
	}
	return err
}
