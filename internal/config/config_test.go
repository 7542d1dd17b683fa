package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oxisflow/pipeline-core/internal/errs"
	"github.com/oxisflow/pipeline-core/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDurationHandlesDaySuffix(t *testing.T) {
	d, err := ParseDuration("7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	d, err = ParseDuration("1.5d")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)
}

func TestParseDurationStillHandlesStandardUnits(t *testing.T) {
	d, err := ParseDuration("30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDuration("5m")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
}

func TestParseDurationRejectsGarbage(t *testing.T) {
	_, err := ParseDuration("not-a-duration")
	require.Error(t, err)
}

func TestLoadFillsDefaultsOnEmptyDoc(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.Backend)
	assert.Equal(t, 100, cfg.CacheSize)
	assert.Equal(t, 7*24*time.Hour, cfg.BackupRetention.AsDuration())
}

func TestLoadParsesFullDocument(t *testing.T) {
	doc := []byte(`
backend: file
state_dir: /tmp/pipeline-state
lock_timeout: 45s
backup_enabled: true
backup_retention: 14d
cache_size: 250
atomic_writes: true
heartbeat_interval: 5s
checkpoint_interval: 20s
cleanup_interval: 2h
`)
	cfg, err := Load(doc)
	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.Backend)
	assert.Equal(t, "/tmp/pipeline-state", cfg.StateDir)
	assert.Equal(t, 45*time.Second, cfg.LockTimeout.AsDuration())
	assert.Equal(t, 14*24*time.Hour, cfg.BackupRetention.AsDuration())
	assert.Equal(t, 250, cfg.CacheSize)
	assert.Equal(t, 2*time.Hour, cfg.CleanupInterval.AsDuration())
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := Load([]byte("backend: postgres\n"))
	require.Error(t, err)
	var cfgErr *errs.BackendConfigError
	require.True(t, errors.As(err, &cfgErr))
}

func TestLoadRejectsNonAtomicFileBackend(t *testing.T) {
	_, err := Load([]byte("backend: file\natomic_writes: false\n"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	_, err := Load([]byte("backend: memory\nlock_timeout: not-a-duration\n"))
	require.Error(t, err)
}

func TestNewBackendBuildsRequestedKind(t *testing.T) {
	cfg, err := Load([]byte("backend: memory\n"))
	require.NoError(t, err)
	backend, err := cfg.NewBackend()
	require.NoError(t, err)
	_, ok := backend.(*state.Memory)
	assert.True(t, ok)

	dir := t.TempDir()
	fileCfg, err := Load([]byte("backend: file\nstate_dir: " + dir + "\ncache_size: 10\n"))
	require.NoError(t, err)
	fileBackend, err := fileCfg.NewBackend()
	require.NoError(t, err)
	_, ok = fileBackend.(*state.File)
	assert.True(t, ok)
}

func TestManagerOptionsProjectsCadenceFields(t *testing.T) {
	cfg, err := Load([]byte(`
backend: memory
lock_timeout: 1m
heartbeat_interval: 2s
checkpoint_interval: 4s
`))
	require.NoError(t, err)
	opts := cfg.ManagerOptions()
	assert.Equal(t, time.Minute, opts.LeaseDuration)
	assert.Equal(t, 2*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 4*time.Second, opts.CheckpointInterval)
}

// backupPath mirrors state.File's own "backups/<pipeline>/<id>.json"
// layout (internal/state/file.go's backupDir/statePath naming), which
// isn't exported; the test rebuilds it from the File's public Dir field.
func backupPath(dir, pipelineID, id string) string {
	return filepath.Join(dir, "backups", pipelineID, id+".json")
}

func seedBackup(t *testing.T, backend state.Backend, dir, pipelineID string, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	s := state.NewPipelineState(pipelineID, "r1", "w1", time.Now())
	require.NoError(t, backend.Write(ctx, s))
	id, err := backend.Backup(ctx, pipelineID)
	require.NoError(t, err)

	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(backupPath(dir, pipelineID, id), old, old))
	return id
}

func backupExists(dir, pipelineID, id string) bool {
	_, err := os.Stat(backupPath(dir, pipelineID, id))
	return err == nil
}

func TestRunCleanupLoopSweepsOnTimerWhenBackupsEnabled(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]byte("backend: file\nstate_dir: " + dir + "\nbackup_enabled: true\nbackup_retention: 10ms\ncleanup_interval: 5ms\n"))
	require.NoError(t, err)
	backend, err := cfg.NewBackend()
	require.NoError(t, err)

	id := seedBackup(t, backend, dir, "p1", 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunCleanupLoop(ctx, backend, "p1", cfg) }()

	require.Eventually(t, func() bool {
		return !backupExists(dir, "p1", id)
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunCleanupLoopSkipsSweepWhenBackupsDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load([]byte("backend: file\nstate_dir: " + dir + "\nbackup_enabled: false\nbackup_retention: 10ms\ncleanup_interval: 5ms\n"))
	require.NoError(t, err)
	backend, err := cfg.NewBackend()
	require.NoError(t, err)

	id := seedBackup(t, backend, dir, "p1", 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunCleanupLoop(ctx, backend, "p1", cfg) }()

	time.Sleep(40 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, backupExists(dir, "p1", id), "disabled backups must never be swept")
}
