// Package scheduler executes deployment tasks as background workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/registry"
	"github.com/tovfikur/fleetd/internal/remote"
	"github.com/tovfikur/fleetd/internal/store"
)

// ErrNotRunning is returned by Create before Run has started the
// scheduler loop.
var ErrNotRunning = errors.New("scheduler not running")

// Options tune step execution.
type Options struct {
	StepTimeout  time.Duration
	StepRetries  int
	RetryBackoff time.Duration
}

// event is one state change emitted by a worker. All task writes flow
// through the persister goroutine so progress and log lines land in order.
type event struct {
	taskID   string
	status   model.TaskStatus
	progress int
	step     string
	line     string
	errMsg   string
}

// handle tracks one in-flight task.
type handle struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// Scheduler creates deployment tasks and drives them through their step
// sequences. Install and Migrate are mutually exclusive per target server;
// Backup runs alongside anything.
type Scheduler struct {
	store    *store.Store
	registry *registry.Registry
	exec     remote.Executor
	opts     Options
	logger   *slog.Logger

	events chan event
	wg     sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	started bool
	handles map[string]*handle
	// targetLocks maps a target server id to the install/migrate task
	// holding it.
	targetLocks map[string]string
}

// New creates a scheduler. Call Run before Create.
func New(st *store.Store, reg *registry.Registry, exec remote.Executor, opts Options, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:       st,
		registry:    reg,
		exec:        exec,
		opts:        opts,
		logger:      logger.With("component", "scheduler"),
		events:      make(chan event, 256),
		handles:     make(map[string]*handle),
		targetLocks: make(map[string]string),
	}
}

// Run starts the persister loop and blocks until the context is cancelled
// and all workers have drained.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.mu.Unlock()
	s.logger.Info("scheduler started")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range s.events {
			s.persist(ev)
		}
	}()

	<-ctx.Done()
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
	close(s.events)
	<-done
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// Running reports whether the persister loop has started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// CreateInput describes a requested deployment task.
type CreateInput struct {
	Type           model.TaskType `json:"task_type"`
	ServiceType    string         `json:"service_type,omitempty"`
	SourceServerID string         `json:"source_server_id,omitempty"`
	TargetServerID string         `json:"target_server_id,omitempty"`
	Priority       model.Priority `json:"priority,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

// Create validates the request, persists a Pending task, and starts a
// worker for it. Install and Migrate against a busy target are rejected
// with ErrTargetBusy before any record is written.
func (s *Scheduler) Create(in CreateInput) (*model.DeploymentTask, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrNotRunning
	}

	exclusive := in.Type == model.TaskInstall || in.Type == model.TaskMigrate
	if exclusive {
		if holder, held := s.targetLocks[in.TargetServerID]; held {
			return nil, fmt.Errorf("%w: task %s holds target %s", model.ErrTargetBusy, holder, in.TargetServerID)
		}
		// Backstop against tasks created before this process started.
		id, err := s.store.ActiveTaskForTarget(in.TargetServerID, model.TaskInstall, model.TaskMigrate)
		if err != nil {
			return nil, err
		}
		if id != "" {
			return nil, fmt.Errorf("%w: task %s holds target %s", model.ErrTargetBusy, id, in.TargetServerID)
		}
	}

	now := time.Now().UTC()
	task := &model.DeploymentTask{
		ID:             uuid.NewString(),
		Type:           in.Type,
		ServiceType:    in.ServiceType,
		SourceServerID: in.SourceServerID,
		TargetServerID: in.TargetServerID,
		Status:         model.TaskPending,
		Priority:       in.Priority,
		Config:         in.Config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.InsertTask(task); err != nil {
		return nil, err
	}
	if exclusive {
		s.targetLocks[task.TargetServerID] = task.ID
	}

	workerCtx, cancel := context.WithCancel(s.ctx)
	h := &handle{cancel: cancel}
	s.handles[task.ID] = h

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTask(workerCtx, h, task)
	}()

	s.logger.Info("task created", "task_id", task.ID, "type", task.Type,
		"target", task.TargetServerID, "service", task.ServiceType)
	return task, nil
}

// serviceTypePattern keeps service names safe to splice into remote
// commands.
var serviceTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

func (s *Scheduler) validate(in *CreateInput) error {
	switch in.Type {
	case model.TaskInstall, model.TaskAutoSetup, model.TaskBackup:
	case model.TaskMigrate:
		if in.SourceServerID == "" {
			return fmt.Errorf("%w: source_server_id is required for migrate", model.ErrValidation)
		}
		if in.SourceServerID == in.TargetServerID {
			return fmt.Errorf("%w: source and target must differ", model.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unsupported task type %q", model.ErrValidation, in.Type)
	}

	if !serviceTypePattern.MatchString(in.ServiceType) {
		return fmt.Errorf("%w: invalid service_type %q", model.ErrValidation, in.ServiceType)
	}
	if in.TargetServerID == "" {
		return fmt.Errorf("%w: target_server_id is required", model.ErrValidation)
	}
	if _, err := s.registry.Get(in.TargetServerID); err != nil {
		return fmt.Errorf("target server: %w", err)
	}
	if in.SourceServerID != "" {
		if _, err := s.registry.Get(in.SourceServerID); err != nil {
			return fmt.Errorf("source server: %w", err)
		}
	}

	switch in.Priority {
	case "":
		in.Priority = model.PriorityNormal
	case model.PriorityLow, model.PriorityNormal, model.PriorityHigh:
	default:
		return fmt.Errorf("%w: unknown priority %q", model.ErrValidation, in.Priority)
	}
	return nil
}

// Cancel requests cooperative cancellation. Pending and Running tasks
// freeze at their current progress; terminal tasks are rejected.
func (s *Scheduler) Cancel(id string) error {
	task, err := s.store.GetTask(id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", model.ErrInvalidTransition, id, task.Status)
	}

	s.mu.Lock()
	if h, ok := s.handles[id]; ok {
		h.cancelled.Store(true)
		h.cancel()
	}
	running := s.started
	s.mu.Unlock()

	// The terminal guard in the store keeps any late worker write from
	// overwriting this.
	if err := s.store.UpdateTaskState(id, model.TaskCancelled, task.Progress, task.CurrentStep); err != nil {
		return err
	}
	// The cancel line rides the event channel so it lands after any lines
	// the worker queued before the flag was set; everything the worker
	// emits afterwards is dropped by the active-only log guard.
	if running {
		s.emit(event{taskID: id, status: model.TaskCancelled, line: "task cancelled by operator"})
	} else if err := s.store.AppendTaskLog(id, "task cancelled by operator"); err != nil {
		return err
	}
	s.release(id, task.TargetServerID)
	s.logger.Info("task cancelled", "task_id", id)
	return nil
}

// Get fetches one task by id.
func (s *Scheduler) Get(id string) (*model.DeploymentTask, error) {
	return s.store.GetTask(id)
}

// List returns all tasks, newest first.
func (s *Scheduler) List() ([]*model.DeploymentTask, error) {
	return s.store.ListTasks()
}

// Logs returns the execution log read model for a task.
func (s *Scheduler) Logs(id string) (*model.TaskLogs, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	lines, err := s.store.TaskLog(id)
	if err != nil {
		return nil, err
	}
	return &model.TaskLogs{
		Status:       task.Status,
		Progress:     task.Progress,
		CurrentStep:  task.CurrentStep,
		Log:          lines,
		ErrorMessage: task.ErrorMessage,
	}, nil
}

// runTask drives one task through its step sequence.
func (s *Scheduler) runTask(ctx context.Context, h *handle, task *model.DeploymentTask) {
	defer s.release(task.ID, task.TargetServerID)

	steps, err := stepsFor(task)
	if err != nil {
		s.emit(event{taskID: task.ID, status: model.TaskFailed, errMsg: err.Error(), line: err.Error()})
		return
	}

	total := len(steps)
	for i, st := range steps {
		if h.cancelled.Load() {
			return
		}
		s.emit(event{
			taskID:   task.ID,
			status:   model.TaskRunning,
			progress: progressAt(i, total),
			step:     st.name,
			line:     fmt.Sprintf("step %d/%d %s: started", i+1, total, st.name),
		})

		if err := s.runStep(ctx, task, st); err != nil {
			if h.cancelled.Load() || ctx.Err() != nil {
				return
			}
			s.emit(event{
				taskID: task.ID,
				status: model.TaskFailed,
				errMsg: fmt.Sprintf("step %s: %v", st.name, err),
				line:   fmt.Sprintf("step %d/%d %s: failed: %v", i+1, total, st.name, err),
			})
			return
		}
		// A step that was in flight when Cancel hit completes, but its
		// outcome is no longer reported.
		if h.cancelled.Load() {
			return
		}

		done := event{
			taskID: task.ID,
			line:   fmt.Sprintf("step %d/%d %s: done", i+1, total, st.name),
		}
		// 100 is reserved for Completed; the last step's progress write
		// rides on the completion event.
		if i+1 < total {
			done.status = model.TaskRunning
			done.progress = progressAt(i+1, total)
			done.step = st.name
		}
		s.emit(done)
	}

	s.emit(event{
		taskID:   task.ID,
		status:   model.TaskCompleted,
		progress: 100,
		line:     "all steps completed",
	})
}

// runStep executes one step with a per-attempt timeout. Only connectivity
// failures are retried; command failures on the remote host are final.
func (s *Scheduler) runStep(ctx context.Context, task *model.DeploymentTask, st step) error {
	var lastErr error
	for attempt := 0; attempt <= s.opts.StepRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * s.opts.RetryBackoff
			s.emit(event{
				taskID: task.ID,
				line:   fmt.Sprintf("step %s: retry %d/%d after %s", st.name, attempt, s.opts.StepRetries, backoff),
			})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.StepTimeout)
		err := st.run(attemptCtx, s, task)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !remote.IsConnectivity(err) {
			return err
		}
	}
	return lastErr
}

// emit queues an event for the persister. The channel is buffered; a full
// channel blocks the worker rather than dropping state.
func (s *Scheduler) emit(ev event) {
	s.events <- ev
}

// persist applies one event. Terminal statuses in the store are absorbing,
// so events that lose a race with Cancel become no-ops. The line is
// written before the terminal state so a task's own completion or failure
// line survives its own status change, while worker lines arriving after
// a cancellation are dropped by the active-only guard.
func (s *Scheduler) persist(ev event) {
	if ev.line != "" {
		var err error
		if ev.status == model.TaskCancelled {
			err = s.store.AppendTaskLog(ev.taskID, ev.line)
		} else {
			err = s.store.AppendTaskLogActive(ev.taskID, ev.line)
		}
		if err != nil {
			s.logger.Error("appending task log", "task_id", ev.taskID, "error", err)
		}
	}

	switch {
	case ev.status == model.TaskFailed:
		if err := s.store.SetTaskError(ev.taskID, ev.errMsg); err != nil {
			s.logger.Error("persisting task failure", "task_id", ev.taskID, "error", err)
		}
		s.logger.Warn("task failed", "task_id", ev.taskID, "error", ev.errMsg)
	case ev.status == model.TaskCompleted:
		if err := s.store.UpdateTaskState(ev.taskID, model.TaskCompleted, 100, ""); err != nil {
			s.logger.Error("persisting task completion", "task_id", ev.taskID, "error", err)
		}
		s.logger.Info("task completed", "task_id", ev.taskID)
	case ev.status == model.TaskRunning && ev.step != "":
		if err := s.store.UpdateTaskState(ev.taskID, ev.status, ev.progress, ev.step); err != nil {
			s.logger.Error("persisting task progress", "task_id", ev.taskID, "error", err)
		}
	}
}

// release drops the handle and, if this task holds the target lock, frees
// it.
func (s *Scheduler) release(taskID, targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, taskID)
	if s.targetLocks[targetID] == taskID {
		delete(s.targetLocks, targetID)
	}
}

// progressAt maps completed step count to a percentage, rounded to the
// nearest point.
func progressAt(completed, total int) int {
	if total == 0 {
		return 0
	}
	return (completed*100 + total/2) / total
}
