// Package policy implements the rule policy: a deterministic next-action predictor
// that memorizes hand-authored rules and story turns as canonical state keys and
// replays them with strict precedence (built-in default actions, then the active
// loop's happy path, then matched rules, then the fallback floor).
//
// Training builds two lookup tables and, unless disabled, proves that no training
// tracker is contradicted by them. Tables are committed only when training succeeds
// and are read-only afterwards, so a trained Policy is safe for concurrent Predict calls.
package policy

import (
	"sync"

	"rulepolicy/internal/config"
	"rulepolicy/internal/featurizer"
	"rulepolicy/internal/lookup"
	"rulepolicy/internal/metrics"
)

const (
	// DefaultPriority is the rule policy's priority among policies.
	DefaultPriority = 6
	// DefaultCoreFallbackThreshold is the confidence of the fallback floor.
	DefaultCoreFallbackThreshold = 0.3
	// AllowedNumberOfUserInputs bounds user messages per rule when rules are restricted.
	AllowedNumberOfUserInputs = 1
	// MetadataFilename is the file Persist writes inside a model directory.
	MetadataFilename = "rule_policy.json"
)

// Options configures a Policy.
type Options struct {
	Priority                 int
	CoreFallbackThreshold    float64
	CoreFallbackActionName   string
	EnableFallbackPrediction bool
	RestrictRules            bool
	CheckForContradictions   bool

	// Workers bounds the parallel contradiction pass. Values below 1 mean 1.
	Workers int

	// Featurizer defaults to the full-history featurizer.
	Featurizer featurizer.Featurizer
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultOptions returns the stock rule policy settings.
func DefaultOptions() Options {
	return Options{
		Priority:                 DefaultPriority,
		CoreFallbackThreshold:    DefaultCoreFallbackThreshold,
		CoreFallbackActionName:   "action_default_fallback",
		EnableFallbackPrediction: true,
		RestrictRules:            true,
		CheckForContradictions:   true,
		Workers:                  1,
	}
}

// OptionsFromConfig maps the policy and training sections of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Priority:                 cfg.Policy.Priority,
		CoreFallbackThreshold:    cfg.Policy.CoreFallbackThreshold,
		CoreFallbackActionName:   cfg.Policy.CoreFallbackActionName,
		EnableFallbackPrediction: cfg.Policy.EnableFallbackPrediction,
		RestrictRules:            cfg.Policy.RestrictRules,
		CheckForContradictions:   cfg.Policy.CheckForContradictions,
		Workers:                  cfg.Training.Workers,
	}
}

// Policy is the rule policy.
type Policy struct {
	opts       Options
	featurizer featurizer.Featurizer
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	tables lookup.Set
}

// New creates an untrained policy. An untrained policy predicts only default
// actions, the loop happy path and the fallback floor.
func New(opts Options) *Policy {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	f := opts.Featurizer
	if f == nil {
		f = featurizer.New()
	}
	return &Policy{
		opts:       opts,
		featurizer: f,
		metrics:    opts.Metrics,
		tables:     lookup.NewSet(),
	}
}

// Priority returns the policy priority.
func (p *Policy) Priority() int { return p.opts.Priority }

// Options returns the settings the policy was built with.
func (p *Policy) Options() Options { return p.opts }

// Tables returns the committed lookup tables.
func (p *Policy) Tables() lookup.Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tables
}

func (p *Policy) commit(tables lookup.Set) {
	p.mu.Lock()
	p.tables = tables
	p.mu.Unlock()

	p.metrics.SetTableSize(string(lookup.TableRules), tables.Rules.Len())
	p.metrics.SetTableSize(string(lookup.TableLoopUnhappyPath), tables.LoopUnhappy.Len())
}
