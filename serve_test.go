package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverdelta/eddy/internal/config"
	"github.com/riverdelta/eddy/pkg/reactor"
	"github.com/riverdelta/eddy/pkg/store"
)

func TestReactorConfig_FromDefaults(t *testing.T) {
	t.Parallel()

	rcfg, err := reactorConfig(config.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, reactor.Push, rcfg.Mode)
	assert.Equal(t, 100, rcfg.LoopCeiling)
	assert.Equal(t, 16*time.Millisecond, rcfg.FastCycleThreshold)
	assert.Equal(t, 20, rcfg.FastCyclePasses)
	assert.Equal(t, int64(5), rcfg.AutoDebounceMinSamples)
	assert.Equal(t, 50*time.Millisecond, rcfg.AutoDebounceCost)
	assert.Equal(t, 200*time.Millisecond, rcfg.DebounceCap)
}

func TestReactorConfig_PullMode(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Scheduler.Mode = "pull"

	rcfg, err := reactorConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, reactor.Pull, rcfg.Mode)
}

func TestReactorConfig_BadDuration(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Debounce.Cap = "not-a-duration"

	_, err := reactorConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debounce cap")
}

func TestVisibleChanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome store.Reconcile
		want    bool
	}{
		{"none propagates", store.ReconcileNone, true},
		{"purged propagates", store.ReconcilePurged, true},
		{"echo is silent", store.ReconcileEcho, false},
		{"retained is silent", store.ReconcileRetained, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, visibleChanged(tt.outcome))
		})
	}
}

func TestPIDFilePath_NextToCache(t *testing.T) {
	t.Parallel()

	got := pidFilePath(filepath.Join("/var", "lib", "eddy", "facts.db"))
	assert.Equal(t, filepath.Join("/var", "lib", "eddy", "eddy.pid"), got)
}
