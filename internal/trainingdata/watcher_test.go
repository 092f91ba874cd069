package trainingdata

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcher_FiresOncePerBurst(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yml")
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(rules, []byte("rules: []\n"), 0644))

	var calls atomic.Int32
	changed := make(chan struct{}, 10)
	w, err := NewWatcher([]string{rules}, 150*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
		changed <- struct{}{}
	})
	require.NoError(t, err)
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0644))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(rules, []byte("rules: []\n# edit\n"), 0644))
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatcher_StopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	rules := filepath.Join(dir, "rules.yml")
	require.NoError(t, os.WriteFile(rules, []byte("rules: []\n"), 0644))

	w, err := NewWatcher([]string{rules}, 0, func(context.Context) {})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	w.Stop()
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher([]string{filepath.Join(t.TempDir(), "missing", "rules.yml")}, 0, func(context.Context) {})
	assert.Error(t, err)
}
