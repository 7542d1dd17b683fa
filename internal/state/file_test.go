package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oxisflow/pipeline-core/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileBackend(t *testing.T) *File {
	t.Helper()
	dir := t.TempDir()
	f, err := NewFile(dir, 100, time.Hour)
	require.NoError(t, err)
	return f
}

func TestFileWriteThenReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	s := NewPipelineState("p1", "r1", "w1", time.Now())
	require.NoError(t, f.Write(ctx, s))

	got, err := f.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, s.PipelineID, got.PipelineID)
	assert.Equal(t, s.Version, got.Version)
}

func TestFileReadPopulatesCacheThenHits(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	s := NewPipelineState("p1", "r1", "w1", time.Now())
	require.NoError(t, f.Write(ctx, s))

	_, err := f.Read(ctx, "p1")
	require.NoError(t, err)
	_, err = f.Read(ctx, "p1")
	require.NoError(t, err)

	m := f.Metrics()
	assert.GreaterOrEqual(t, m.CacheHits, int64(1))
}

func TestFileWriteRejectsVersionConflict(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	s := NewPipelineState("p1", "r1", "w1", time.Now())
	require.NoError(t, f.Write(ctx, s))

	stale := s.Clone()
	stale.Version = 5
	err := f.Write(ctx, stale)
	require.Error(t, err)
	var conflict *errs.VersionConflict
	require.True(t, errors.As(err, &conflict))
}

func TestFileLockExclusivityAndRelease(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	h, err := f.AcquireLock(ctx, "p1", "w1", time.Minute)
	require.NoError(t, err)

	_, err = f.AcquireLock(ctx, "p1", "w2", time.Minute)
	require.Error(t, err)
	var held *errs.LockAlreadyHeld
	require.True(t, errors.As(err, &held))

	require.NoError(t, f.Release(ctx, h))

	h2, err := f.AcquireLock(ctx, "p1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w2", h2.WorkerID)
}

func TestFileLockLeaseExpiresAndIsReacquirable(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	_, err := f.AcquireLock(ctx, "p1", "w1", time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	h2, err := f.AcquireLock(ctx, "p1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w2", h2.WorkerID)
}

func TestFileBackupThenRestoreByteEquivalent(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	s := NewPipelineState("p1", "r1", "w1", time.Now())
	s.RecordsProcessed = 5
	require.NoError(t, f.Write(ctx, s))

	backupID, err := f.Backup(ctx, "p1")
	require.NoError(t, err)

	s2 := s.Clone()
	s2.Version = 2
	s2.RecordsProcessed = 999
	require.NoError(t, f.Write(ctx, s2))

	require.NoError(t, f.Restore(ctx, "p1", backupID))
	restored, err := f.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), restored.RecordsProcessed)
	assert.Greater(t, restored.Version, uint64(1))
}

func TestFileBackupOnWriteSnapshotsEverySuccessfulWrite(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	f.BackupOnWrite = true

	s := NewPipelineState("p1", "r1", "w1", time.Now())
	require.NoError(t, f.Write(ctx, s))

	s2 := s.Clone()
	s2.Version = 2
	s2.RecordsProcessed = 9
	require.NoError(t, f.Write(ctx, s2))

	entries, err := os.ReadDir(filepath.Join(f.Dir, "backups", "p1"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// A rejected write must not leave a snapshot behind.
	stale := s.Clone()
	stale.Version = 9
	require.Error(t, f.Write(ctx, stale))
	entries, err = os.ReadDir(filepath.Join(f.Dir, "backups", "p1"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFileVerifyIntegrityDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	s := NewPipelineState("p1", "r1", "w1", time.Now())
	require.NoError(t, f.Write(ctx, s))

	// Truncate the state file to simulate a crash mid-write.
	path := filepath.Join(f.Dir, "states", "p1.json")
	require.NoError(t, os.Truncate(path, 10))

	report, err := f.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.Contains(t, report.Corrupted, "p1")
}

func TestFileRepairRestoresFromBackupAfterCorruption(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	s := NewPipelineState("p1", "r1", "w1", time.Now())
	require.NoError(t, f.Write(ctx, s))

	backupID, err := f.Backup(ctx, "p1")
	require.NoError(t, err)
	require.NotEmpty(t, backupID)

	path := filepath.Join(f.Dir, "states", "p1.json")
	require.NoError(t, os.Truncate(path, 5))

	outcome, err := f.Repair(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, outcome.RestoredFromBackup)

	got, err := f.Read(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Greater(t, got.Version, uint64(1))
}

func TestFileAutoRepairRecoversCorruptedRead(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	f.AutoRepair = true
	s := NewPipelineState("p1", "r1", "w1", time.Now())
	require.NoError(t, f.Write(ctx, s))

	_, err := f.Backup(ctx, "p1")
	require.NoError(t, err)

	path := filepath.Join(f.Dir, "states", "p1.json")
	require.NoError(t, os.Truncate(path, 5))

	// The cold-cache read hits the corrupted file, repairs from the
	// backup, and succeeds.
	fresh, err := NewFile(f.Dir, 100, time.Hour)
	require.NoError(t, err)
	fresh.AutoRepair = true
	got, err := fresh.Read(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Greater(t, got.Version, uint64(1))
}

func TestFileReadWithoutCacheSeesPersistedState(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	s := NewPipelineState("p1", "r1", "w1", time.Now())
	s.RecordsProcessed = 7
	require.NoError(t, f.Write(ctx, s))

	// A second backend over the same directory starts with a cold cache,
	// so this read exercises the pure disk path.
	fresh, err := NewFile(f.Dir, 100, time.Hour)
	require.NoError(t, err)
	got, err := fresh.Read(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.RecordsProcessed)
	assert.Equal(t, s.Version, got.Version)
}

func TestFileMetricsTrackBytesAndLatency(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	s := NewPipelineState("p1", "r1", "w1", time.Now())
	require.NoError(t, f.Write(ctx, s))

	fresh, err := NewFile(f.Dir, 100, time.Hour)
	require.NoError(t, err)
	_, err = fresh.Read(ctx, "p1")
	require.NoError(t, err)

	wm := f.Metrics()
	assert.Equal(t, int64(1), wm.Writes)
	assert.Greater(t, wm.BytesWritten, int64(0))
	assert.GreaterOrEqual(t, wm.AvgWriteTimeMs(), 0.0)

	rm := fresh.Metrics()
	assert.Equal(t, int64(1), rm.Reads)
	assert.Equal(t, int64(1), rm.CacheMisses)
	assert.Greater(t, rm.BytesRead, int64(0))
	assert.GreaterOrEqual(t, rm.AvgReadTimeMs(), 0.0)
}

func TestFileOptimisticConcurrencyTwoWorkersRace(t *testing.T) {
	ctx := context.Background()
	f := newTestFileBackend(t)
	base := NewPipelineState("p1", "r1", "w1", time.Now())
	base.Version = 5
	_, err := atomicWrite(f.statePath("p1"), base)
	require.NoError(t, err)

	a := base.Clone()
	a.Version = 6
	b := base.Clone()
	b.Version = 6

	err1 := f.Write(ctx, a)
	err2 := f.Write(ctx, b)
	require.NoError(t, err1)
	require.Error(t, err2)

	reloaded, err := f.Read(ctx, "p1")
	require.NoError(t, err)
	next := reloaded.Clone()
	next.Version = reloaded.Version + 1
	require.NoError(t, f.Write(ctx, next))

	final, err := f.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), final.Version)
}
