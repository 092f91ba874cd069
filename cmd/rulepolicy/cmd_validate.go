package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// validateCmd checks the configuration, the domain and the trained model together
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration, domain and trained policy",
	Long: `Loads the configuration, the domain and the policy in the model directory and
checks that the domain contains the configured fallback action.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	d, err := loadDomain()
	if err != nil {
		return err
	}
	p, source, err := loadPolicy(ctx, nil)
	if err != nil {
		return err
	}
	if err := p.ValidateAgainstDomain(d); err != nil {
		return describeTrainingError(err)
	}

	opts := p.Options()
	fmt.Fprintln(cmd.OutOrStdout(), report("Policy is valid",
		field("Policy", source),
		field("Domain actions", d.NumActions()),
		field("Rules", p.Tables().Rules.Len()),
		field("Unhappy-path entries", p.Tables().LoopUnhappy.Len()),
		field("Fallback action", opts.CoreFallbackActionName),
		field("Fallback threshold", opts.CoreFallbackThreshold),
		field("Fallback enabled", opts.EnableFallbackPrediction),
	))
	return nil
}
