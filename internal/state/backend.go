package state

import (
	"context"
	"time"
)

// Backend is the storage contract the state manager drives. A backend
// must tolerate partial failures (half-written files, crashed writers,
// orphaned locks) and present a consistent view to callers.
type Backend interface {
	// Read returns the current state for pipelineID, or nil if none
	// exists.
	Read(ctx context.Context, pipelineID string) (*PipelineState, error)

	// Write persists state, enforcing optimistic concurrency: the call
	// fails with *errs.VersionConflict unless state.Version is exactly
	// one greater than the version currently on disk (or the pipeline
	// has no prior state and state.Version == 1).
	Write(ctx context.Context, state *PipelineState) error

	// AcquireLock attempts to take the exclusive lease for pipelineID.
	// Fails with *errs.LockAlreadyHeld if an unexpired lease exists.
	AcquireLock(ctx context.Context, pipelineID, workerID string, lease time.Duration) (*LockHandle, error)

	// Release drops handle's lease, provided its token still matches the
	// lease on disk.
	Release(ctx context.Context, handle *LockHandle) error

	// Renew extends handle's lease by lease, keeping the same token.
	Renew(ctx context.Context, handle *LockHandle, lease time.Duration) error

	// ListActive returns the pipeline ids with a currently unexpired
	// lease.
	ListActive(ctx context.Context) ([]string, error)

	// VerifyIntegrity scans all persisted states and reports corruption
	// and orphaned locks.
	VerifyIntegrity(ctx context.Context) (IntegrityReport, error)

	// Repair attempts field-wise reconstruction of pipelineID's state,
	// falling back to the latest backup when the file is unreadable.
	Repair(ctx context.Context, pipelineID string) (RepairOutcome, error)

	// Backup snapshots pipelineID's current state and returns an
	// opaque backup id.
	Backup(ctx context.Context, pipelineID string) (string, error)

	// Restore replaces pipelineID's current state with the snapshot
	// named by backupID.
	Restore(ctx context.Context, pipelineID, backupID string) error

	// Metrics returns a snapshot of the backend's counters.
	Metrics() BackendMetrics

	// Capabilities reports which optional behaviors this implementation
	// supports.
	Capabilities() BackendCapabilities

	// SweepBackups removes pipelineID's backups older than the backend's
	// retention policy.
	SweepBackups(ctx context.Context, pipelineID string) error
}

// LockHandle is the caller-held proof of an acquired lease.
type LockHandle struct {
	PipelineID string
	WorkerID   string
	Token      string
	ExpiresAt  time.Time
}
