package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulepolicy/internal/lookup"
	"rulepolicy/internal/policy"
)

func newTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := NewRunStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMetadata() policy.Metadata {
	return policy.Metadata{
		Priority: 6,
		Lookup: map[lookup.TableName]map[string]string{
			lookup.TableRules: {
				`[{"prev_action":{"action_name":"action_listen"},"user":{"intent":"greet"}}]`: "utter_greet",
			},
			lookup.TableLoopUnhappyPath: {
				`[{"prev_action":{"action_name":"restaurant_form"},"active_loop":{"name":"restaurant_form"}}]`: string(lookup.DoNotPredictLoopAction),
			},
		},
		CoreFallbackThreshold:    0.3,
		CoreFallbackActionName:   "action_default_fallback",
		EnableFallbackPrediction: true,
	}
}

func TestNewRunStore(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"policy_runs": 0, "policy_lookup": 0}, stats)
}

func TestNewRunStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "rulepolicy.db")
	s, err := NewRunStore(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
}

func TestSaveAndLoadMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := sampleMetadata()
	runID, err := s.SaveMetadata(ctx, want, "data/rules.yml")
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	got, err := s.Metadata(ctx, runID)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["policy_runs"])
	assert.Equal(t, int64(2), stats["policy_lookup"])
}

func TestLatestMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.LatestMetadata(ctx)
	require.True(t, errors.Is(err, ErrNoRuns))

	first := sampleMetadata()
	_, err = s.SaveMetadata(ctx, first, "first")
	require.NoError(t, err)

	second := sampleMetadata()
	second.CoreFallbackThreshold = 0.5
	second.Lookup[lookup.TableLoopUnhappyPath] = map[string]string{}
	secondID, err := s.SaveMetadata(ctx, second, "second")
	require.NoError(t, err)

	got, run, err := s.LatestMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, secondID, run.ID)
	assert.Equal(t, "second", run.Source)
	assert.Equal(t, 1, run.RuleCount)
	assert.Equal(t, 0, run.UnhappyCount)
	assert.Equal(t, 0.5, got.CoreFallbackThreshold)
	assert.Empty(t, got.Lookup[lookup.TableLoopUnhappyPath])
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.SaveMetadata(ctx, sampleMetadata(), "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID, "newest first")
	assert.Equal(t, ids[0], runs[2].ID)
	assert.True(t, runs[0].EnableFallbackPrediction)
	assert.False(t, runs[0].CreatedAt.IsZero())

	limited, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveMetadata(ctx, sampleMetadata(), "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteRun(ctx, id))

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["policy_lookup"])

	assert.True(t, errors.Is(s.DeleteRun(ctx, id), ErrNoRuns))
	_, err = s.Metadata(ctx, id)
	assert.True(t, errors.Is(err, ErrNoRuns))
}

func TestDeleteRun_RollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveMetadata(ctx, sampleMetadata(), "")
	require.NoError(t, err)

	_, err = s.db.Exec(`CREATE TRIGGER keep_runs BEFORE DELETE ON policy_runs
		BEGIN SELECT RAISE(ABORT, 'runs are read-only'); END;`)
	require.NoError(t, err)

	err = s.DeleteRun(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to delete run")

	// the lookup rows deleted first are restored with the run
	m, err := s.Metadata(ctx, id)
	require.NoError(t, err)
	if diff := cmp.Diff(sampleMetadata().Lookup, m.Lookup); diff != "" {
		t.Errorf("lookup after failed delete mismatch (-want +got):\n%s", diff)
	}
}

func TestStoredMetadataLoadsIntoPolicy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveMetadata(ctx, sampleMetadata(), "")
	require.NoError(t, err)
	m, err := s.Metadata(ctx, id)
	require.NoError(t, err)

	p, err := policy.Load(m, policy.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Tables().Rules.Len())
	assert.Equal(t, 1, p.Tables().LoopUnhappy.Len())
}
