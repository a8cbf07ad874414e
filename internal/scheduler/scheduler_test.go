package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tovfikur/fleetd/internal/model"
	"github.com/tovfikur/fleetd/internal/registry"
	"github.com/tovfikur/fleetd/internal/remote"
	"github.com/tovfikur/fleetd/internal/store"
)

// scriptExec routes every command through a single script function.
type scriptExec struct {
	mu     sync.Mutex
	calls  []string
	script func(call int, ep remote.Endpoint, cmd string) (remote.Result, error)
}

func (e *scriptExec) Run(_ context.Context, ep remote.Endpoint, cmd string) (remote.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, cmd)
	call := len(e.calls)
	e.mu.Unlock()
	if e.script == nil {
		return remote.Result{}, nil
	}
	return e.script(call, ep, cmd)
}

func (e *scriptExec) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *scriptExec) joined() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.calls, "\n")
}

type fixture struct {
	sched *Scheduler
	store *store.Store
	reg   *registry.Registry
	exec  *scriptExec
}

func newFixture(t *testing.T, exec *scriptExec) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "fleetd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(st, exec, 5*time.Second, logger)
	sched := New(st, reg, exec, Options{
		StepTimeout:  5 * time.Second,
		StepRetries:  2,
		RetryBackoff: 5 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, sched.Running, time.Second, time.Millisecond)

	return &fixture{sched: sched, store: st, reg: reg, exec: exec}
}

func (f *fixture) addServer(t *testing.T, name, ip string) *model.Server {
	t.Helper()
	srv, err := f.reg.Add(registry.AddInput{
		Name:      name,
		IPAddress: ip,
		Username:  "deploy",
		Auth:      model.Auth{Method: model.AuthPassword, Password: "x"},
	})
	require.NoError(t, err)
	return srv
}

func (f *fixture) waitTerminal(t *testing.T, id string) *model.DeploymentTask {
	t.Helper()
	var task *model.DeploymentTask
	require.Eventually(t, func() bool {
		got, err := f.sched.Get(id)
		if err != nil {
			return false
		}
		task = got
		return task.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

func TestInstall_Completes(t *testing.T) {
	f := newFixture(t, &scriptExec{})
	srv := f.addServer(t, "web-1", "10.0.0.5")

	task, err := f.sched.Create(CreateInput{
		Type:           model.TaskInstall,
		ServiceType:    "nginx",
		TargetServerID: srv.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)

	got := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.ErrorMessage)

	logs, err := f.sched.Logs(task.ID)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(logs.Log, "\n"), "provision")
	assert.Contains(t, strings.Join(logs.Log, "\n"), "all steps completed")

	// provision, configure, start, verify
	assert.Equal(t, 4, f.exec.callCount())
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, &scriptExec{})
	srv := f.addServer(t, "web-1", "10.0.0.5")

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"unknown type", CreateInput{Type: "reboot", TargetServerID: srv.ID, ServiceType: "x"}},
		{"missing service type", CreateInput{Type: model.TaskInstall, TargetServerID: srv.ID}},
		{"shell-unsafe service type", CreateInput{Type: model.TaskInstall, TargetServerID: srv.ID, ServiceType: "nginx; rm -rf /"}},
		{"missing target", CreateInput{Type: model.TaskInstall, ServiceType: "nginx"}},
		{"migrate without source", CreateInput{Type: model.TaskMigrate, ServiceType: "pg", TargetServerID: srv.ID}},
		{"migrate onto itself", CreateInput{Type: model.TaskMigrate, ServiceType: "pg", SourceServerID: srv.ID, TargetServerID: srv.ID}},
		{"unknown priority", CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: srv.ID, Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sched.Create(tt.in)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}

	_, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	tasks, err := f.sched.List()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestInstall_TargetBusy(t *testing.T) {
	release := make(chan struct{})
	exec := &scriptExec{script: func(_ int, _ remote.Endpoint, _ string) (remote.Result, error) {
		<-release
		return remote.Result{}, nil
	}}
	f := newFixture(t, exec)
	srv := f.addServer(t, "web-1", "10.0.0.5")

	first, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: srv.ID})
	require.NoError(t, err)

	_, err = f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "redis", TargetServerID: srv.ID})
	assert.ErrorIs(t, err, model.ErrTargetBusy)

	// The rejected request left no task behind.
	tasks, err := f.sched.List()
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// Backup is allowed alongside the running install.
	_, err = f.sched.Create(CreateInput{Type: model.TaskBackup, ServiceType: "nginx", TargetServerID: srv.ID})
	assert.NoError(t, err)

	close(release)
	got := f.waitTerminal(t, first.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)

	// The lock is released once the install finishes.
	require.Eventually(t, func() bool {
		_, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "redis", TargetServerID: srv.ID})
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestInstall_StepFailureHalts(t *testing.T) {
	exec := &scriptExec{script: func(_ int, _ remote.Endpoint, cmd string) (remote.Result, error) {
		if strings.Contains(cmd, "systemctl enable") {
			return remote.Result{ExitCode: 1, Stderr: "unit not found"}, nil
		}
		return remote.Result{}, nil
	}}
	f := newFixture(t, exec)
	srv := f.addServer(t, "web-1", "10.0.0.5")

	task, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "ghost", TargetServerID: srv.ID})
	require.NoError(t, err)

	got := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "step start")
	assert.Contains(t, got.ErrorMessage, "unit not found")
	assert.Less(t, got.Progress, 100)

	// The verify step never ran: provision, configure, start only.
	assert.Equal(t, 3, f.exec.callCount())
}

func TestInstall_ConnectivityRetry(t *testing.T) {
	exec := &scriptExec{script: func(call int, ep remote.Endpoint, _ string) (remote.Result, error) {
		if call == 1 {
			return remote.Result{}, &remote.ConnectivityError{Addr: ep.Address(), Reason: remote.FailTimeout, Cause: errors.New("i/o timeout")}
		}
		return remote.Result{}, nil
	}}
	f := newFixture(t, exec)
	srv := f.addServer(t, "web-1", "10.0.0.5")

	task, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: srv.ID})
	require.NoError(t, err)

	got := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)

	logs, err := f.sched.Logs(task.ID)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(logs.Log, "\n"), "retry 1/2")

	// 4 steps + 1 retried attempt.
	assert.Equal(t, 5, f.exec.callCount())
}

func TestInstall_ConnectivityRetriesExhausted(t *testing.T) {
	exec := &scriptExec{script: func(_ int, ep remote.Endpoint, _ string) (remote.Result, error) {
		return remote.Result{}, &remote.ConnectivityError{Addr: ep.Address(), Reason: remote.FailRefused, Cause: errors.New("connection refused")}
	}}
	f := newFixture(t, exec)
	srv := f.addServer(t, "web-1", "10.0.0.5")

	task, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: srv.ID})
	require.NoError(t, err)

	got := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "connection refused")

	// First step only: initial attempt plus two retries.
	assert.Equal(t, 3, f.exec.callCount())
}

func TestCancel_FreezesTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &scriptExec{script: func(call int, _ remote.Endpoint, _ string) (remote.Result, error) {
		if call == 2 {
			once.Do(func() { close(started) })
			<-release
		}
		return remote.Result{}, nil
	}}
	f := newFixture(t, exec)
	srv := f.addServer(t, "web-1", "10.0.0.5")

	task, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: srv.ID})
	require.NoError(t, err)

	<-started
	require.NoError(t, f.sched.Cancel(task.ID))
	close(release)

	got := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCancelled, got.Status)
	assert.Less(t, got.Progress, 100)

	// No further steps ran after cancellation.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.exec.callCount())

	frozen, err := f.sched.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Progress, frozen.Progress)

	// Cancelling a terminal task is rejected.
	assert.ErrorIs(t, f.sched.Cancel(task.ID), model.ErrInvalidTransition)
}

func TestCancel_NoLogLinesAfterward(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &scriptExec{script: func(call int, _ remote.Endpoint, _ string) (remote.Result, error) {
		// Block inside the final install step (verify).
		if call == 4 {
			once.Do(func() { close(started) })
			<-release
		}
		return remote.Result{}, nil
	}}
	f := newFixture(t, exec)
	srv := f.addServer(t, "web-1", "10.0.0.5")

	task, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: srv.ID})
	require.NoError(t, err)

	<-started
	// Wait for the in-flight step's start line to land so the cancel
	// line is provably the last entry.
	require.Eventually(t, func() bool {
		logs, err := f.sched.Logs(task.ID)
		if err != nil {
			return false
		}
		return strings.Contains(strings.Join(logs.Log, "\n"), "step 4/4 verify: started")
	}, time.Second, time.Millisecond)

	require.NoError(t, f.sched.Cancel(task.ID))
	close(release)

	got := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCancelled, got.Status)

	// Let the worker unwind and any queued events drain.
	time.Sleep(50 * time.Millisecond)

	logs, err := f.sched.Logs(task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs.Log)
	assert.Equal(t, "task cancelled by operator", logs.Log[len(logs.Log)-1])

	joined := strings.Join(logs.Log, "\n")
	assert.Contains(t, joined, "step 4/4 verify: started")
	assert.NotContains(t, joined, "verify: done")
	assert.NotContains(t, joined, "all steps completed")
}

func TestCancel_ReleasesTargetLock(t *testing.T) {
	release := make(chan struct{})
	exec := &scriptExec{script: func(_ int, _ remote.Endpoint, _ string) (remote.Result, error) {
		<-release
		return remote.Result{}, nil
	}}
	f := newFixture(t, exec)
	srv := f.addServer(t, "web-1", "10.0.0.5")

	task, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: srv.ID})
	require.NoError(t, err)

	require.NoError(t, f.sched.Cancel(task.ID))
	close(release)
	f.waitTerminal(t, task.ID)

	_, err = f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "redis", TargetServerID: srv.ID})
	assert.NoError(t, err)
}

func TestMigrate_RunsAgainstBothServers(t *testing.T) {
	exec := &scriptExec{}
	f := newFixture(t, exec)
	src := f.addServer(t, "db-old", "10.0.0.5")
	dst := f.addServer(t, "db-new", "10.0.0.6")

	task, err := f.sched.Create(CreateInput{
		Type:           model.TaskMigrate,
		ServiceType:    "postgresql",
		SourceServerID: src.ID,
		TargetServerID: dst.ID,
	})
	require.NoError(t, err)

	got := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)

	joined := exec.joined()
	assert.Contains(t, joined, "tar -C /var/lib/postgresql -czf")
	assert.Contains(t, joined, "scp")
	assert.Contains(t, joined, "deploy@10.0.0.6")
}

func TestProgress_MonotonicDuringRun(t *testing.T) {
	step := make(chan struct{})
	exec := &scriptExec{script: func(_ int, _ remote.Endpoint, _ string) (remote.Result, error) {
		<-step
		return remote.Result{}, nil
	}}
	f := newFixture(t, exec)
	srv := f.addServer(t, "web-1", "10.0.0.5")

	task, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: srv.ID})
	require.NoError(t, err)

	last := 0
	for i := 0; i < 4; i++ {
		step <- struct{}{}
		require.Eventually(t, func() bool {
			got, err := f.sched.Get(task.ID)
			if err != nil {
				return false
			}
			if got.Progress < last {
				t.Errorf("progress went backwards: %d -> %d", last, got.Progress)
			}
			last = got.Progress
			return got.Progress >= (i+1)*100/4 || got.Status.Terminal()
		}, 5*time.Second, time.Millisecond)
	}

	got := f.waitTerminal(t, task.ID)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestCreate_PriorityDefaultsToNormal(t *testing.T) {
	f := newFixture(t, &scriptExec{})
	srv := f.addServer(t, "web-1", "10.0.0.5")

	task, err := f.sched.Create(CreateInput{Type: model.TaskInstall, ServiceType: "nginx", TargetServerID: srv.ID})
	require.NoError(t, err)
	assert.Equal(t, model.PriorityNormal, task.Priority)

	high, err := f.sched.Create(CreateInput{Type: model.TaskBackup, ServiceType: "nginx", TargetServerID: srv.ID, Priority: model.PriorityHigh})
	require.NoError(t, err)

	got, err := f.sched.Get(high.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityHigh, got.Priority)
}

func TestProgressAt_RoundsToNearest(t *testing.T) {
	assert.Equal(t, 0, progressAt(0, 3))
	assert.Equal(t, 33, progressAt(1, 3))
	assert.Equal(t, 67, progressAt(2, 3))
	assert.Equal(t, 100, progressAt(3, 3))
	assert.Equal(t, 17, progressAt(1, 6))
	assert.Equal(t, 0, progressAt(0, 0))
}
