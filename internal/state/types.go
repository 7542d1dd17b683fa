// Package state persists pipeline execution progress across crashes and
// coordinates exclusive access to a pipeline id across workers. It
// defines the state model (this file), the Backend contract
// (backend.go), two implementations (memory.go, file.go), and the
// manager facade the executor talks to (manager.go).
package state

import "time"

// Status is a pipeline run's closed set of lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// StepStatus is a single step's closed set of lifecycle states.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepPaused    StepStatus = "paused"
)

// StepState tracks one step's progress within a PipelineState.
type StepState struct {
	StepID           string     `json:"step_id"`
	Status           StepStatus `json:"status"`
	Error            string     `json:"error,omitempty"`
	LastProcessedID  string     `json:"last_processed_id,omitempty"`
	RecordsProcessed int64      `json:"records_processed"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FailedAt         *time.Time `json:"failed_at,omitempty"`
	LastHeartbeat    *time.Time `json:"last_heartbeat,omitempty"`
	WorkerID         string     `json:"worker_id,omitempty"`
}

// ErrorRecord is one entry in a PipelineState's error log.
type ErrorRecord struct {
	StepID    string    `json:"step_id"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineState is the persisted record of one pipeline run.
type PipelineState struct {
	PipelineID           string                `json:"pipeline_id"`
	RunID                string                `json:"run_id"`
	Version              uint64                `json:"version"`
	Status               Status                `json:"status"`
	LastProcessedID      string                `json:"last_processed_id,omitempty"`
	BatchNumber          int64                 `json:"batch_number"`
	RecordsProcessed     int64                 `json:"records_processed"`
	RecordsFailed        int64                 `json:"records_failed"`
	DataSizeProcessed    int64                 `json:"data_size_processed"`
	CurrentStep          string                `json:"current_step,omitempty"`
	StepStates           map[string]*StepState `json:"step_states"`
	StartedAt            time.Time             `json:"started_at"`
	LastSuccessTimestamp *time.Time            `json:"last_success_timestamp,omitempty"`
	LastHeartbeat        time.Time             `json:"last_heartbeat"`
	WorkerID             string                `json:"worker_id,omitempty"`
	RetryCount           int                   `json:"retry_count"`
	Errors               []ErrorRecord         `json:"errors,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation without affecting
// the cached or caller-held original: step states and the error slice
// are copied; nothing below that needs independent mutation.
func (s *PipelineState) Clone() *PipelineState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.StepStates = make(map[string]*StepState, len(s.StepStates))
	for id, st := range s.StepStates {
		stCopy := *st
		clone.StepStates[id] = &stCopy
	}
	clone.Errors = append([]ErrorRecord(nil), s.Errors...)
	return &clone
}

// NewPipelineState starts a fresh run record at version 1.
func NewPipelineState(pipelineID, runID, workerID string, now time.Time) *PipelineState {
	return &PipelineState{
		PipelineID:    pipelineID,
		RunID:         runID,
		Version:       1,
		Status:        StatusPending,
		StepStates:    make(map[string]*StepState),
		StartedAt:     now,
		LastHeartbeat: now,
		WorkerID:      workerID,
	}
}

// Lock is the persisted shape of a pipeline's exclusive lease.
type Lock struct {
	PipelineID string    `json:"pipeline_id"`
	WorkerID   string    `json:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Token      string    `json:"token"`
}

// Expired reports whether the lock's lease has elapsed as of now.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// DefaultLeaseDuration is the lock lease length used when a caller
// doesn't specify one.
const DefaultLeaseDuration = 30 * time.Second

// IntegrityReport summarizes Backend.VerifyIntegrity's findings.
type IntegrityReport struct {
	Checked       []string
	Corrupted     []string
	OrphanedLocks []string
}

// RepairOutcome summarizes what Backend.Repair did for one pipeline.
type RepairOutcome struct {
	PipelineID         string
	RestoredFromBackup bool
	BackupID           string
	NewVersion         uint64
}

// BackendCapabilities lets a caller feature-detect what a Backend
// implementation supports instead of type-asserting against a concrete
// type. A future SQL-backed implementation can report a different
// combination without an interface break.
type BackendCapabilities struct {
	AtomicWrites bool
	Locking      bool
	Backups      bool
	Repair       bool
}

// BackendMetrics tracks the counters §4.I requires a file backend to
// expose; the in-memory backend tracks the same shape for parity in
// tests.
type BackendMetrics struct {
	Reads        int64
	Writes       int64
	CacheHits    int64
	CacheMisses  int64
	Errors       int64
	BytesRead    int64
	BytesWritten int64
	totalReadNs  int64
	totalWriteNs int64
}

// CacheHitRate returns cache_hits / (cache_hits + cache_misses), or 0
// when no reads have happened yet.
func (m BackendMetrics) CacheHitRate() float64 {
	total := m.CacheHits + m.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(m.CacheHits) / float64(total)
}

// AvgReadTimeMs returns the mean read latency in milliseconds.
func (m BackendMetrics) AvgReadTimeMs() float64 {
	if m.Reads == 0 {
		return 0
	}
	return float64(m.totalReadNs) / float64(m.Reads) / 1e6
}

// AvgWriteTimeMs returns the mean write latency in milliseconds.
func (m BackendMetrics) AvgWriteTimeMs() float64 {
	if m.Writes == 0 {
		return 0
	}
	return float64(m.totalWriteNs) / float64(m.Writes) / 1e6
}
