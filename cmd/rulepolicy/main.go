package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rulepolicy/internal/config"
	"rulepolicy/internal/domain"
	"rulepolicy/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	domainPath string
	timeout    time.Duration

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rulepolicy",
	Short: "Train and query a memorizing rule policy for dialogue management",
	Long: `rulepolicy memorizes conversation rules and predicts the next bot action
deterministically.

Rules and stories are read from YAML training data. Training checks that no rule
contradicts another rule or story, then stores the lookup tables in the model
directory and, optionally, in a SQLite run store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		if err := logging.Initialize(cfg.Logging.Options()); err != nil {
			return err
		}
		logger = logging.L()
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			logging.Boot("No configuration at %s, using defaults", configPath)
		} else {
			logging.BootDebug("Loaded configuration from %s", configPath)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rulepolicy.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVarP(&domainPath, "domain", "d", "domain.yml", "Domain file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.Error.Render(err.Error()))
		os.Exit(1)
	}
}

// commandContext returns a context bounded by --timeout and cancelled on SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

func loadDomain() (*domain.Domain, error) {
	d, err := domain.LoadDomain(domainPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Loaded domain", zap.String("path", domainPath), zap.Int("actions", d.NumActions()))
	return d, nil
}
