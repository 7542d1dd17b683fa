package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oxisflow/pipeline-core/internal/errs"
)

// Memory is an in-memory Backend: the reference implementation tests run
// against. It supports the same optimistic-concurrency and lock-lease
// contract as the file backend, but none of it survives a process exit.
type Memory struct {
	mu      sync.Mutex
	states  map[string]*PipelineState
	locks   map[string]Lock
	backups map[string][]backupEntry
	metrics BackendMetrics
}

type backupEntry struct {
	id    string
	state *PipelineState
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		states:  make(map[string]*PipelineState),
		locks:   make(map[string]Lock),
		backups: make(map[string][]backupEntry),
	}
}

func (m *Memory) Read(_ context.Context, pipelineID string) (*PipelineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.Reads++
	s, ok := m.states[pipelineID]
	if !ok {
		return nil, nil
	}
	m.metrics.CacheHits++ // everything is "in cache" for the in-memory backend
	return s.Clone(), nil
}

func (m *Memory) Write(_ context.Context, s *PipelineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.Writes++

	existing, ok := m.states[s.PipelineID]
	var onDisk uint64
	if ok {
		onDisk = existing.Version
	}
	if onDisk+1 != s.Version {
		m.metrics.Errors++
		return &errs.VersionConflict{PipelineID: s.PipelineID, Expected: s.Version, OnDisk: onDisk}
	}
	m.states[s.PipelineID] = s.Clone()
	return nil
}

func (m *Memory) AcquireLock(_ context.Context, pipelineID, workerID string, lease time.Duration) (*LockHandle, error) {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.locks[pipelineID]; ok && !existing.Expired(now) {
		return nil, &errs.LockAlreadyHeld{
			PipelineID: pipelineID,
			Holder:     existing.WorkerID,
			ExpiresAt:  existing.ExpiresAt.Format(time.RFC3339),
		}
	}

	token := uuid.NewString()
	lock := Lock{
		PipelineID: pipelineID,
		WorkerID:   workerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
		Token:      token,
	}
	m.locks[pipelineID] = lock
	return &LockHandle{PipelineID: pipelineID, WorkerID: workerID, Token: token, ExpiresAt: lock.ExpiresAt}, nil
}

func (m *Memory) Release(_ context.Context, h *LockHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.locks[h.PipelineID]
	if !ok || existing.Token != h.Token {
		return &errs.LockExpired{PipelineID: h.PipelineID}
	}
	delete(m.locks, h.PipelineID)
	return nil
}

func (m *Memory) Renew(_ context.Context, h *LockHandle, lease time.Duration) error {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.locks[h.PipelineID]
	if !ok || existing.Token != h.Token {
		return &errs.LockExpired{PipelineID: h.PipelineID}
	}
	existing.ExpiresAt = time.Now().Add(lease)
	m.locks[h.PipelineID] = existing
	h.ExpiresAt = existing.ExpiresAt
	return nil
}

func (m *Memory) ListActive(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var ids []string
	for id, l := range m.locks {
		if !l.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) VerifyIntegrity(_ context.Context) (IntegrityReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := IntegrityReport{}
	for id := range m.states {
		report.Checked = append(report.Checked, id)
	}
	now := time.Now()
	for id, l := range m.locks {
		if l.Expired(now) {
			report.OrphanedLocks = append(report.OrphanedLocks, id)
		}
	}
	return report, nil
}

// Repair leaves an existing in-memory state unchanged: in-process state
// can't suffer the on-disk corruption this operation exists to fix, so
// it reports that state as-is. With no state recorded, it restores the
// latest backup (keeping the backup's version), and errors like the file
// backend would if there is no backup either.
func (m *Memory) Repair(_ context.Context, pipelineID string) (RepairOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pipelineID]
	if ok {
		return RepairOutcome{PipelineID: pipelineID, NewVersion: s.Version}, nil
	}
	backups := m.backups[pipelineID]
	if len(backups) == 0 {
		return RepairOutcome{}, &errs.StateCorrupted{PipelineID: pipelineID, Reason: "no state and no backup available"}
	}
	latest := backups[len(backups)-1]
	m.states[pipelineID] = latest.state.Clone()
	return RepairOutcome{PipelineID: pipelineID, RestoredFromBackup: true, BackupID: latest.id, NewVersion: latest.state.Version}, nil
}

func (m *Memory) Backup(_ context.Context, pipelineID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pipelineID]
	if !ok {
		return "", &errs.BackendIO{Op: "backup", Cause: errNoSuchPipeline(pipelineID)}
	}
	id := uuid.NewString()
	m.backups[pipelineID] = append(m.backups[pipelineID], backupEntry{id: id, state: s.Clone()})
	return id, nil
}

func (m *Memory) Restore(_ context.Context, pipelineID, backupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.backups[pipelineID] {
		if b.id == backupID {
			restored := b.state.Clone()
			restored.Version = currentVersion(m.states[pipelineID]) + 1
			m.states[pipelineID] = restored
			return nil
		}
	}
	return &errs.BackendIO{Op: "restore", Cause: errNoSuchBackup(backupID)}
}

func (m *Memory) Metrics() BackendMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Memory) Capabilities() BackendCapabilities {
	return BackendCapabilities{AtomicWrites: true, Locking: true, Backups: true, Repair: true}
}

// SweepBackups is a no-op: in-memory backups carry no write timestamp to
// age against, and the process exiting clears them anyway.
func (m *Memory) SweepBackups(_ context.Context, _ string) error {
	return nil
}

func currentVersion(s *PipelineState) uint64 {
	if s == nil {
		return 0
	}
	return s.Version
}

type stateErr string

func (e stateErr) Error() string { return string(e) }

func errNoSuchPipeline(id string) error { return stateErr("no state recorded for pipeline " + id) }
func errNoSuchBackup(id string) error   { return stateErr("no backup " + id) }
