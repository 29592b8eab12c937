package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/psa-spm/internal/domain/spm"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/config"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/logging"
)

func TestParseFlagsOverridesConfig(t *testing.T) {
	cfg := config.Default()
	opts, err := parseFlags(cfg, []string{
		"--admin-port", "9100",
		"--no-admin",
		"--log-level", "debug",
		"--workload-rps", "0",
		"--no-recovery",
	})
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Admin.Port)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Recovery.Enabled)
	assert.Zero(t, opts.workloadRPS)
}

func TestParseFlagsKeepsDefaults(t *testing.T) {
	cfg := config.Default()
	_, err := parseFlags(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.Admin.Addr())
	assert.True(t, cfg.Recovery.Enabled)
}

func TestParseFlagsRejectsUnknown(t *testing.T) {
	_, err := parseFlags(config.Default(), []string{"--secure-boot"})
	assert.Error(t, err)
}

func TestBuiltinManifest(t *testing.T) {
	reg, err := loadRegistry("")
	require.NoError(t, err)
	assert.Len(t, reg.Partitions(), 3)
	assert.Len(t, reg.Services(), 2)

	route, ok := reg.Lookup(0xF100)
	require.True(t, ok)
	assert.Equal(t, counterPartition, route.Partition)
	assert.Equal(t, "relaxed", route.Service.Policy.String())
}

func TestWorkloadRound(t *testing.T) {
	reg, err := loadRegistry("")
	require.NoError(t, err)

	mgr, err := spm.New(reg, config.Default().SPM)
	require.NoError(t, err)
	require.NoError(t, bindProviders(mgr, reg))
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Shutdown() })

	w := newWorkload(mgr, reg, 100, logging.NewNop())
	for i := 0; i < 3; i++ {
		w.rounds++
		require.NoError(t, w.round())
	}

	assert.Equal(t, spm.StateRunning, mgr.State())
	assert.Empty(t, mgr.Snapshot().Handles, "every round closes its connections")
}

func TestWorkloadStopsWithContext(t *testing.T) {
	reg, err := loadRegistry("")
	require.NoError(t, err)
	mgr, err := spm.New(reg, config.Default().SPM)
	require.NoError(t, err)
	require.NoError(t, bindProviders(mgr, reg))
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Shutdown() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, newWorkload(mgr, reg, 50, logging.NewNop()).run(ctx))
	assert.Equal(t, spm.StateRunning, mgr.State())
}
