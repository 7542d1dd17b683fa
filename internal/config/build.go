package config

import (
	"context"
	"time"

	"github.com/oxisflow/pipeline-core/internal/state"
)

// NewBackend constructs the state.Backend named by c.Backend, wiring its
// file-specific knobs (state_dir, cache_size, backup_retention) when
// applicable.
func (c Config) NewBackend() (state.Backend, error) {
	switch c.Backend {
	case BackendMemory:
		return state.NewMemory(), nil
	default:
		f, err := state.NewFile(c.StateDir, c.CacheSize, c.BackupRetention.AsDuration())
		if err != nil {
			return nil, err
		}
		f.AutoRepair = c.BackupEnabled
		f.BackupOnWrite = c.BackupEnabled
		return f, nil
	}
}

// ManagerOptions projects c's cadence fields onto state.ManagerOptions.
func (c Config) ManagerOptions() state.ManagerOptions {
	return state.ManagerOptions{
		HeartbeatInterval:  c.HeartbeatInterval.AsDuration(),
		CheckpointInterval: c.CheckpointInterval.AsDuration(),
		LeaseDuration:      c.LockTimeout.AsDuration(),
	}
}

// RunCleanupLoop periodically sweeps pipelineID's expired backups at
// c.CleanupInterval, for as long as ctx stays alive. It's a no-op loop
// (ticks but never sweeps) when backups are disabled, so callers can
// start it unconditionally rather than branching on BackupEnabled
// themselves.
func RunCleanupLoop(ctx context.Context, backend state.Backend, pipelineID string, c Config) error {
	if c.CleanupInterval.AsDuration() <= 0 {
		return nil
	}
	ticker := time.NewTicker(c.CleanupInterval.AsDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !c.BackupEnabled {
				continue
			}
			if err := backend.SweepBackups(ctx, pipelineID); err != nil {
				return err
			}
		}
	}
}
