package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"rulepolicy/internal/logging"
	"rulepolicy/internal/lookup"
)

// Metadata is everything needed to rebuild a trained policy.
type Metadata struct {
	Priority                 int                                    `json:"priority"`
	Lookup                   map[lookup.TableName]map[string]string `json:"lookup"`
	CoreFallbackThreshold    float64                                `json:"core_fallback_threshold"`
	CoreFallbackActionName   string                                 `json:"core_fallback_action_name"`
	EnableFallbackPrediction bool                                   `json:"enable_fallback_prediction"`
}

// Metadata snapshots the policy's persisted fields.
func (p *Policy) Metadata() Metadata {
	return Metadata{
		Priority:                 p.opts.Priority,
		Lookup:                   p.Tables().ToMap(),
		CoreFallbackThreshold:    p.opts.CoreFallbackThreshold,
		CoreFallbackActionName:   p.opts.CoreFallbackActionName,
		EnableFallbackPrediction: p.opts.EnableFallbackPrediction,
	}
}

// Load rebuilds a trained policy. Metadata fields override opts; the remaining
// options (featurizer, metrics, training switches) come from opts.
func Load(m Metadata, opts Options) (*Policy, error) {
	tables, err := lookup.SetFromMap(m.Lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to load lookup tables: %w", err)
	}

	opts.Priority = m.Priority
	opts.CoreFallbackThreshold = m.CoreFallbackThreshold
	opts.CoreFallbackActionName = m.CoreFallbackActionName
	opts.EnableFallbackPrediction = m.EnableFallbackPrediction

	p := New(opts)
	p.commit(tables)
	return p, nil
}

// Persist writes the metadata as MetadataFilename inside dir.
func (p *Policy) Persist(dir string) (err error) {
	path := filepath.Join(dir, MetadataFilename)
	defer func() { logging.Audit().Persistence(logging.AuditPolicyPersisted, path, err) }()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	data, err := json.MarshalIndent(p.Metadata(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal policy metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write policy metadata: %w", err)
	}
	return nil
}

// LoadFromDir reads a directory written by Persist.
func LoadFromDir(dir string, opts Options) (p *Policy, err error) {
	path := filepath.Join(dir, MetadataFilename)
	defer func() { logging.Audit().Persistence(logging.AuditPolicyLoaded, path, err) }()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse policy metadata: %w", err)
	}
	return Load(m, opts)
}
