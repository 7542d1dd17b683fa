package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oxisflow/pipeline-core/internal/errs"
	"github.com/oxisflow/pipeline-core/internal/lru"
	"golang.org/x/sync/singleflight"
)

// persistedState is the on-disk envelope: the state payload plus the
// integrity header external readers (and repair) can check before
// trusting the body.
type persistedState struct {
	Integrity integrityHeader `json:"_integrity"`
	State     *PipelineState  `json:"state"`
}

type integrityHeader struct {
	Checksum  string    `json:"checksum"`
	WrittenAt time.Time `json:"written_at"`
}

// File is the production Backend: atomic-rename writes with a checksum
// header, optimistic concurrency, hard-link-based lease locks, an LRU
// read cache deduplicated by singleflight, backups, and corruption
// repair. Directory layout under Dir:
//
//	states/<pipeline_id>.json
//	locks/<pipeline_id>.lock
//	backups/<pipeline_id>/<id>.json
type File struct {
	Dir             string
	CacheCapacity   int
	BackupRetention time.Duration

	// AutoRepair makes a Read that finds a corrupted file attempt Repair
	// before giving up. The damaged file itself is not snapshotted first:
	// Backup only copies a readable state. Off by default; callers that
	// keep backups enabled typically turn it on.
	AutoRepair bool

	// BackupOnWrite snapshots the just-written state after every
	// successful Write, in addition to the explicit-request and
	// before-repair snapshots. Off by default.
	BackupOnWrite bool

	mu      sync.Mutex
	cache   *lru.Cache[*cachedState]
	group   singleflight.Group
	metrics BackendMetrics
}

type cachedState struct {
	state   *PipelineState
	version uint64
}

// NewFile returns a File backend rooted at dir, creating its
// subdirectories if needed.
func NewFile(dir string, cacheCapacity int, backupRetention time.Duration) (*File, error) {
	if cacheCapacity <= 0 {
		cacheCapacity = 100
	}
	if backupRetention <= 0 {
		backupRetention = 7 * 24 * time.Hour
	}
	for _, sub := range []string{"states", "locks", "backups"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, &errs.BackendIO{Op: "mkdir", Cause: err}
		}
	}
	return &File{
		Dir:             dir,
		CacheCapacity:   cacheCapacity,
		BackupRetention: backupRetention,
		cache:           lru.New[*cachedState](cacheCapacity),
	}, nil
}

func (f *File) statePath(pipelineID string) string {
	return filepath.Join(f.Dir, "states", pipelineID+".json")
}

func (f *File) lockPath(pipelineID string) string {
	return filepath.Join(f.Dir, "locks", pipelineID+".lock")
}

func (f *File) backupDir(pipelineID string) string {
	return filepath.Join(f.Dir, "backups", pipelineID)
}

func checksum(state *PipelineState) (string, []byte, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), body, nil
}

// atomicWrite serializes state, computes its checksum, writes it to a
// temp file in the same directory, fsyncs, and renames into place. It
// returns the number of bytes written for the backend's metrics.
func atomicWrite(path string, state *PipelineState) (int, error) {
	sum, _, err := checksum(state)
	if err != nil {
		return 0, &errs.BackendIO{Op: "marshal", Cause: err}
	}
	envelope := persistedState{
		Integrity: integrityHeader{Checksum: sum, WrittenAt: time.Now()},
		State:     state,
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return 0, &errs.BackendIO{Op: "marshal", Cause: err}
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%s", path, os.Getpid(), uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, &errs.BackendIO{Op: "create", Cause: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, &errs.BackendIO{Op: "write", Cause: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, &errs.BackendIO{Op: "fsync", Cause: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, &errs.BackendIO{Op: "close", Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, &errs.BackendIO{Op: "rename", Cause: err}
	}
	return len(data), nil
}

// readRaw loads and checksum-verifies the state file at path, without
// consulting the cache. It returns the raw byte count alongside the
// state so callers can feed the backend's metrics.
func readRaw(path string) (*PipelineState, int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, &errs.BackendIO{Op: "read", Cause: err}
	}

	var envelope persistedState
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, len(data), &errs.StateCorrupted{Reason: "malformed json: " + err.Error()}
	}
	if envelope.State == nil {
		return nil, len(data), &errs.StateCorrupted{Reason: "missing state body"}
	}

	sum, _, err := checksum(envelope.State)
	if err != nil {
		return nil, len(data), &errs.BackendIO{Op: "checksum", Cause: err}
	}
	if sum != envelope.Integrity.Checksum {
		return nil, len(data), &errs.StateCorrupted{PipelineID: envelope.State.PipelineID, Reason: "checksum mismatch"}
	}
	return envelope.State, len(data), nil
}

type readResult struct {
	state *PipelineState
	bytes int
}

func (f *File) Read(ctx context.Context, pipelineID string) (*PipelineState, error) {
	start := time.Now()
	f.mu.Lock()
	if cached, ok := f.cache.Get(pipelineID); ok {
		f.metrics.Reads++
		f.metrics.CacheHits++
		f.metrics.totalReadNs += time.Since(start).Nanoseconds()
		f.mu.Unlock()
		return cached.state.Clone(), nil
	}
	f.mu.Unlock()

	v, err, _ := f.group.Do(pipelineID, func() (any, error) {
		s, n, err := readRaw(f.statePath(pipelineID))
		return readResult{state: s, bytes: n}, err
	})

	f.mu.Lock()
	f.metrics.Reads++
	f.metrics.totalReadNs += time.Since(start).Nanoseconds()
	r, _ := v.(readResult)
	f.metrics.BytesRead += int64(r.bytes)
	if err != nil {
		f.metrics.Errors++
		f.mu.Unlock()
		var corrupted *errs.StateCorrupted
		if f.AutoRepair && asError(err, &corrupted) {
			if _, repairErr := f.Repair(ctx, pipelineID); repairErr == nil {
				repaired, _, readErr := readRaw(f.statePath(pipelineID))
				if readErr == nil && repaired != nil {
					return repaired.Clone(), nil
				}
			}
		}
		return nil, err
	}
	f.metrics.CacheMisses++

	if r.state == nil {
		f.mu.Unlock()
		return nil, nil
	}
	f.cache.Put(pipelineID, &cachedState{state: r.state, version: r.state.Version})
	f.mu.Unlock()
	return r.state.Clone(), nil
}

func (f *File) Write(ctx context.Context, s *PipelineState) error {
	start := time.Now()
	onDisk, _, err := readRaw(f.statePath(s.PipelineID))
	if err != nil {
		var corrupted *errs.StateCorrupted
		if !asError(err, &corrupted) {
			return err
		}
		onDisk = nil
	}

	var onDiskVersion uint64
	if onDisk != nil {
		onDiskVersion = onDisk.Version
	}
	if onDiskVersion+1 != s.Version {
		f.mu.Lock()
		f.cache.Evict(s.PipelineID)
		f.metrics.Errors++
		f.mu.Unlock()
		return &errs.VersionConflict{PipelineID: s.PipelineID, Expected: s.Version, OnDisk: onDiskVersion}
	}

	n, err := atomicWrite(f.statePath(s.PipelineID), s)
	if err != nil {
		f.mu.Lock()
		f.metrics.Errors++
		f.mu.Unlock()
		return err
	}

	f.mu.Lock()
	f.metrics.Writes++
	f.metrics.BytesWritten += int64(n)
	f.metrics.totalWriteNs += time.Since(start).Nanoseconds()
	f.cache.Put(s.PipelineID, &cachedState{state: s.Clone(), version: s.Version})
	f.mu.Unlock()

	if f.BackupOnWrite {
		// Best effort: the canonical write already landed.
		if _, err := f.Backup(ctx, s.PipelineID); err != nil {
			f.mu.Lock()
			f.metrics.Errors++
			f.mu.Unlock()
		}
	}
	return nil
}

// asError is a small errors.As shim kept local to avoid importing
// "errors" solely for one call site repeated across this file.
func asError[T error](err error, target *T) bool {
	if e, ok := err.(T); ok {
		*target = e
		return true
	}
	return false
}

func (f *File) AcquireLock(ctx context.Context, pipelineID, workerID string, lease time.Duration) (*LockHandle, error) {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	path := f.lockPath(pipelineID)
	now := time.Now()
	token := uuid.NewString()
	lock := Lock{PipelineID: pipelineID, WorkerID: workerID, AcquiredAt: now, ExpiresAt: now.Add(lease), Token: token}

	data, err := json.Marshal(lock)
	if err != nil {
		return nil, &errs.BackendIO{Op: "marshal-lock", Cause: err}
	}

	tmp := fmt.Sprintf("%s.tmp.%s", path, token)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, &errs.BackendIO{Op: "write-lock-tmp", Cause: err}
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		existing, readErr := f.readLock(pipelineID)
		if readErr == nil && existing.Expired(now) {
			os.Remove(path)
			if err2 := os.Link(tmp, path); err2 == nil {
				return &LockHandle{PipelineID: pipelineID, WorkerID: workerID, Token: token, ExpiresAt: lock.ExpiresAt}, nil
			}
		}
		if readErr == nil {
			return nil, &errs.LockAlreadyHeld{PipelineID: pipelineID, Holder: existing.WorkerID, ExpiresAt: existing.ExpiresAt.Format(time.RFC3339)}
		}
		return nil, &errs.LockAlreadyHeld{PipelineID: pipelineID, Holder: "unknown", ExpiresAt: ""}
	}

	return &LockHandle{PipelineID: pipelineID, WorkerID: workerID, Token: token, ExpiresAt: lock.ExpiresAt}, nil
}

func (f *File) readLock(pipelineID string) (Lock, error) {
	data, err := os.ReadFile(f.lockPath(pipelineID))
	if err != nil {
		return Lock{}, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return Lock{}, err
	}
	return l, nil
}

func (f *File) Release(ctx context.Context, h *LockHandle) error {
	existing, err := f.readLock(h.PipelineID)
	if err != nil {
		return &errs.LockExpired{PipelineID: h.PipelineID}
	}
	if existing.Token != h.Token {
		return &errs.LockExpired{PipelineID: h.PipelineID}
	}
	if err := os.Remove(f.lockPath(h.PipelineID)); err != nil && !os.IsNotExist(err) {
		return &errs.BackendIO{Op: "unlock", Cause: err}
	}
	return nil
}

func (f *File) Renew(ctx context.Context, h *LockHandle, lease time.Duration) error {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	existing, err := f.readLock(h.PipelineID)
	if err != nil || existing.Token != h.Token {
		return &errs.LockExpired{PipelineID: h.PipelineID}
	}
	existing.ExpiresAt = time.Now().Add(lease)
	data, err := json.Marshal(existing)
	if err != nil {
		return &errs.BackendIO{Op: "marshal-lock", Cause: err}
	}
	if err := atomicOverwrite(f.lockPath(h.PipelineID), data); err != nil {
		return err
	}
	h.ExpiresAt = existing.ExpiresAt
	return nil
}

func atomicOverwrite(path string, data []byte) error {
	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &errs.BackendIO{Op: "write-tmp", Cause: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &errs.BackendIO{Op: "rename", Cause: err}
	}
	return nil
}

func (f *File) ListActive(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.Dir, "locks"))
	if err != nil {
		return nil, &errs.BackendIO{Op: "readdir-locks", Cause: err}
	}
	now := time.Now()
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pipelineID := trimLockSuffix(e.Name())
		if pipelineID == "" {
			continue
		}
		lock, err := f.readLock(pipelineID)
		if err != nil {
			continue
		}
		if !lock.Expired(now) {
			ids = append(ids, pipelineID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func trimLockSuffix(name string) string {
	const suffix = ".lock"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return ""
	}
	return name[:len(name)-len(suffix)]
}

func (f *File) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{}
	entries, err := os.ReadDir(filepath.Join(f.Dir, "states"))
	if err != nil {
		return report, &errs.BackendIO{Op: "readdir-states", Cause: err}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		pipelineID := trimJSONSuffix(e.Name())
		if pipelineID == "" {
			continue
		}
		report.Checked = append(report.Checked, pipelineID)
		if _, _, err := readRaw(f.statePath(pipelineID)); err != nil {
			var corrupted *errs.StateCorrupted
			if asError(err, &corrupted) {
				report.Corrupted = append(report.Corrupted, pipelineID)
			}
		}
	}

	lockEntries, err := os.ReadDir(filepath.Join(f.Dir, "locks"))
	if err == nil {
		now := time.Now()
		for _, e := range lockEntries {
			pipelineID := trimLockSuffix(e.Name())
			if pipelineID == "" {
				continue
			}
			if l, err := f.readLock(pipelineID); err == nil && l.Expired(now) {
				report.OrphanedLocks = append(report.OrphanedLocks, pipelineID)
			}
		}
	}
	return report, nil
}

func trimJSONSuffix(name string) string {
	const suffix = ".json"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return ""
	}
	return name[:len(name)-len(suffix)]
}

// Repair reconstructs pipelineID's state: if the current file is
// readable but semantically stale (Running with no recent heartbeat),
// it's normalized to Failed. If the file is unreadable, the latest
// backup is restored instead. A backup is always snapshotted first when
// a readable file exists.
func (f *File) Repair(ctx context.Context, pipelineID string) (RepairOutcome, error) {
	if s, _, err := readRaw(f.statePath(pipelineID)); err == nil && s != nil {
		backupID, _ := f.Backup(ctx, pipelineID)
		repaired := s.Clone()
		if repaired.Status == StatusRunning && time.Since(repaired.LastHeartbeat) > DefaultLeaseDuration*4 {
			repaired.Status = StatusFailed
		}
		repaired.Version = s.Version + 1
		if _, err := atomicWrite(f.statePath(pipelineID), repaired); err != nil {
			return RepairOutcome{}, err
		}
		f.mu.Lock()
		f.cache.Put(pipelineID, &cachedState{state: repaired, version: repaired.Version})
		f.mu.Unlock()
		return RepairOutcome{PipelineID: pipelineID, NewVersion: repaired.Version, BackupID: backupID}, nil
	}

	latestID, latest, err := f.latestBackup(pipelineID)
	if err != nil {
		return RepairOutcome{}, &errs.StateCorrupted{PipelineID: pipelineID, Reason: "unreadable and no backup available"}
	}
	restored := latest.Clone()
	restored.Version = latest.Version + 1
	if _, err := atomicWrite(f.statePath(pipelineID), restored); err != nil {
		return RepairOutcome{}, err
	}
	f.mu.Lock()
	f.cache.Put(pipelineID, &cachedState{state: restored, version: restored.Version})
	f.mu.Unlock()
	return RepairOutcome{PipelineID: pipelineID, RestoredFromBackup: true, BackupID: latestID, NewVersion: restored.Version}, nil
}

func (f *File) Backup(ctx context.Context, pipelineID string) (string, error) {
	s, _, err := readRaw(f.statePath(pipelineID))
	if err != nil || s == nil {
		return "", &errs.BackendIO{Op: "backup", Cause: fmt.Errorf("no readable state for %q", pipelineID)}
	}
	if err := os.MkdirAll(f.backupDir(pipelineID), 0o755); err != nil {
		return "", &errs.BackendIO{Op: "mkdir-backup", Cause: err}
	}
	id := time.Now().UTC().Format("20060102T150405.000000000Z")
	path := filepath.Join(f.backupDir(pipelineID), id+".json")
	if _, err := atomicWrite(path, s); err != nil {
		return "", err
	}
	return id, nil
}

func (f *File) latestBackup(pipelineID string) (string, *PipelineState, error) {
	entries, err := os.ReadDir(f.backupDir(pipelineID))
	if err != nil || len(entries) == 0 {
		return "", nil, fmt.Errorf("no backups for %q", pipelineID)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "", nil, fmt.Errorf("no backups for %q", pipelineID)
	}
	latest := names[len(names)-1]
	id := trimJSONSuffix(latest)
	s, _, err := readRaw(filepath.Join(f.backupDir(pipelineID), latest))
	if err != nil || s == nil {
		return "", nil, fmt.Errorf("latest backup for %q is unreadable", pipelineID)
	}
	return id, s, nil
}

func (f *File) Restore(ctx context.Context, pipelineID, backupID string) error {
	s, _, err := readRaw(filepath.Join(f.backupDir(pipelineID), backupID+".json"))
	if err != nil || s == nil {
		return &errs.BackendIO{Op: "restore", Cause: fmt.Errorf("backup %q unreadable for %q", backupID, pipelineID)}
	}
	current, _, _ := readRaw(f.statePath(pipelineID))
	restored := s.Clone()
	restored.Version = currentVersion(current) + 1
	if _, err := atomicWrite(f.statePath(pipelineID), restored); err != nil {
		return err
	}
	f.mu.Lock()
	f.cache.Put(pipelineID, &cachedState{state: restored, version: restored.Version})
	f.mu.Unlock()
	return nil
}

// CleanupBackups removes backup files older than f.BackupRetention.
func (f *File) CleanupBackups(pipelineID string) error {
	entries, err := os.ReadDir(f.backupDir(pipelineID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &errs.BackendIO{Op: "readdir-backups", Cause: err}
	}
	cutoff := time.Now().Add(-f.BackupRetention)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(f.backupDir(pipelineID), e.Name()))
		}
	}
	return nil
}

func (f *File) Metrics() BackendMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

func (f *File) Capabilities() BackendCapabilities {
	return BackendCapabilities{AtomicWrites: true, Locking: true, Backups: true, Repair: true}
}

// SweepBackups removes pipelineID's backups older than f.BackupRetention.
func (f *File) SweepBackups(_ context.Context, pipelineID string) error {
	return f.CleanupBackups(pipelineID)
}
