package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oxisflow/pipeline-core/internal/errs"
)

// ManagerOptions configures a Manager's background cadences.
type ManagerOptions struct {
	HeartbeatInterval  time.Duration
	CheckpointInterval time.Duration
	LeaseDuration      time.Duration
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 30 * time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	return o
}

// Manager is the only thing the executor talks to for persistence: it
// owns the run's lock, its heartbeat loop, and checkpoint cadence, and
// retries mutations that lose an optimistic-concurrency race.
type Manager struct {
	backend Backend
	opts    ManagerOptions

	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	state          *PipelineState
	lock           *LockHandle
	cancel         context.CancelFunc
	group          *errgroup.Group
	lastCheckpoint time.Time
}

// NewManager wraps backend with the heartbeat/checkpoint/retry
// behaviors the executor relies on.
func NewManager(backend Backend, opts ManagerOptions) *Manager {
	return &Manager{
		backend: backend,
		opts:    opts.withDefaults(),
		runs:    make(map[string]*activeRun),
	}
}

// StartRun acquires the pipeline's exclusive lease, creates or resumes
// its state, and starts the heartbeat/checkpoint background loops.
func (m *Manager) StartRun(ctx context.Context, pipelineID, runID, workerID string) (*PipelineState, error) {
	lock, err := m.backend.AcquireLock(ctx, pipelineID, workerID, m.opts.LeaseDuration)
	if err != nil {
		return nil, err
	}

	existing, err := m.backend.Read(ctx, pipelineID)
	if err != nil {
		m.backend.Release(ctx, lock)
		return nil, err
	}

	var s *PipelineState
	if existing != nil {
		s = existing.Clone()
		s.RunID = runID
		s.WorkerID = workerID
		s.Status = StatusRunning
	} else {
		s = NewPipelineState(pipelineID, runID, workerID, time.Now())
		s.Status = StatusRunning
		if err := m.backend.Write(ctx, s); err != nil {
			m.backend.Release(ctx, lock)
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	run := &activeRun{state: s, lock: lock, cancel: cancel, group: g, lastCheckpoint: time.Now()}

	m.mu.Lock()
	m.runs[pipelineID] = run
	m.mu.Unlock()

	g.Go(func() error { return m.heartbeatLoop(gctx, pipelineID) })
	g.Go(func() error { return m.checkpointLoop(gctx, pipelineID) })

	return s.Clone(), nil
}

func (m *Manager) heartbeatLoop(ctx context.Context, pipelineID string) error {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.Lock()
			run, ok := m.runs[pipelineID]
			m.mu.Unlock()
			if !ok {
				return nil
			}
			if err := m.backend.Renew(ctx, run.lock, m.opts.LeaseDuration); err != nil {
				return err
			}
			m.mu.Lock()
			run.state = run.state.Clone()
			run.state.LastHeartbeat = time.Now()
			m.mu.Unlock()
		}
	}
}

// checkpointLoop ticks at CheckpointInterval and flushes the run's
// current in-memory state to the backend even absent a step boundary,
// so a run sitting inside a single long step still gets a time-based
// checkpoint.
func (m *Manager) checkpointLoop(ctx context.Context, pipelineID string) error {
	ticker := time.NewTicker(m.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := m.CurrentState(pipelineID)
			if s == nil {
				return nil
			}
			if err := m.Checkpoint(ctx, s, false); err != nil {
				return err
			}
		}
	}
}

// Checkpoint persists state if checkpoint_interval has elapsed since the
// last write for this run, or always when force is true (step
// boundaries always force). On VersionConflict it reloads the current
// on-disk state, reapplies the caller's mutation by bumping to the
// fresh version, and retries once.
func (m *Manager) Checkpoint(ctx context.Context, s *PipelineState, force bool) error {
	m.mu.Lock()
	run, ok := m.runs[s.PipelineID]
	if !ok {
		m.mu.Unlock()
		return &errs.BackendIO{Op: "checkpoint", Cause: errors.New("no active run for " + s.PipelineID)}
	}
	if !force && time.Since(run.lastCheckpoint) < m.opts.CheckpointInterval {
		run.state = s
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.writeWithConflictRetry(ctx, s); err != nil {
		return err
	}
	m.mu.Lock()
	run.state = s
	run.lastCheckpoint = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *Manager) writeWithConflictRetry(ctx context.Context, s *PipelineState) error {
	err := m.backend.Write(ctx, s)
	var conflict *errs.VersionConflict
	if err == nil || !errors.As(err, &conflict) {
		return err
	}

	current, readErr := m.backend.Read(ctx, s.PipelineID)
	if readErr != nil {
		return readErr
	}
	retry := s.Clone()
	if current != nil {
		retry.Version = current.Version + 1
	}
	return m.backend.Write(ctx, retry)
}

// RecordStepTransition updates a step's status within the run's current
// state and checkpoints immediately (step boundaries always checkpoint).
func (m *Manager) RecordStepTransition(ctx context.Context, pipelineID, stepID string, status StepStatus) error {
	m.mu.Lock()
	run, ok := m.runs[pipelineID]
	var next *PipelineState
	if ok {
		next = run.state.Clone()
	}
	m.mu.Unlock()
	if !ok {
		return &errs.BackendIO{Op: "record-step", Cause: errors.New("no active run for " + pipelineID)}
	}

	next.Version++
	next.CurrentStep = stepID
	step, exists := next.StepStates[stepID]
	if !exists {
		step = &StepState{StepID: stepID}
		next.StepStates[stepID] = step
	}
	now := time.Now()
	step.Status = status
	step.WorkerID = next.WorkerID
	step.LastHeartbeat = &now
	switch status {
	case StepRunning:
		step.StartedAt = &now
	case StepCompleted:
		next.LastSuccessTimestamp = &now
		step.CompletedAt = &now
		if step.StartedAt != nil {
			step.ProcessingTimeMs = now.Sub(*step.StartedAt).Milliseconds()
		}
	case StepFailed:
		step.FailedAt = &now
		if step.StartedAt != nil {
			step.ProcessingTimeMs = now.Sub(*step.StartedAt).Milliseconds()
		}
	}

	return m.Checkpoint(ctx, next, true)
}

// RecordStepProgress updates the run's progress counters after a
// successful step and checkpoints immediately, same as a step
// transition. The run-level record count tracks the records currently
// flowing through the pipeline (the same record crossing five steps is
// still one record), while data size accumulates across steps.
func (m *Manager) RecordStepProgress(ctx context.Context, pipelineID, stepID string, recordsProcessed, dataSize int64) error {
	m.mu.Lock()
	run, ok := m.runs[pipelineID]
	var next *PipelineState
	if ok {
		next = run.state.Clone()
	}
	m.mu.Unlock()
	if !ok {
		return &errs.BackendIO{Op: "record-progress", Cause: errors.New("no active run for " + pipelineID)}
	}

	next.Version++
	next.RecordsProcessed = recordsProcessed
	next.DataSizeProcessed += dataSize
	if step, exists := next.StepStates[stepID]; exists {
		step.RecordsProcessed += recordsProcessed
	}

	return m.Checkpoint(ctx, next, true)
}

// RecordStepFailure increments the run's failed-record counter after a
// step exhausts its retries and checkpoints immediately.
func (m *Manager) RecordStepFailure(ctx context.Context, pipelineID string, recordsFailed int64) error {
	m.mu.Lock()
	run, ok := m.runs[pipelineID]
	var next *PipelineState
	if ok {
		next = run.state.Clone()
	}
	m.mu.Unlock()
	if !ok {
		return &errs.BackendIO{Op: "record-failure", Cause: errors.New("no active run for " + pipelineID)}
	}

	next.Version++
	next.RecordsFailed += recordsFailed

	return m.Checkpoint(ctx, next, true)
}

// RecordError appends rec to the run's error log and checkpoints.
func (m *Manager) RecordError(ctx context.Context, pipelineID string, rec ErrorRecord) error {
	m.mu.Lock()
	run, ok := m.runs[pipelineID]
	var next *PipelineState
	if ok {
		next = run.state.Clone()
	}
	m.mu.Unlock()
	if !ok {
		return &errs.BackendIO{Op: "record-error", Cause: errors.New("no active run for " + pipelineID)}
	}

	next.Version++
	next.Errors = append(next.Errors, rec)
	return m.Checkpoint(ctx, next, true)
}

// EndRun persists the terminal state, stops the run's background loops,
// and releases its lease.
func (m *Manager) EndRun(ctx context.Context, terminal *PipelineState) error {
	m.mu.Lock()
	run, ok := m.runs[terminal.PipelineID]
	m.mu.Unlock()
	if !ok {
		return &errs.BackendIO{Op: "end-run", Cause: errors.New("no active run for " + terminal.PipelineID)}
	}

	if err := m.writeWithConflictRetry(ctx, terminal); err != nil {
		return err
	}

	run.cancel()
	_ = run.group.Wait()

	err := m.backend.Release(ctx, run.lock)

	m.mu.Lock()
	delete(m.runs, terminal.PipelineID)
	m.mu.Unlock()

	return err
}

// CurrentState returns the manager's in-memory view of pipelineID's
// active run, or nil if there is none.
func (m *Manager) CurrentState(pipelineID string) *PipelineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[pipelineID]
	if !ok {
		return nil
	}
	return run.state.Clone()
}
