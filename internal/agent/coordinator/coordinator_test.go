package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTask(st model.SpecialistType) *model.SpecialistTask {
	return &model.SpecialistTask{
		Specialist: st,
		Context:    model.SpecialistContext{Specialist: st},
		State:      model.TaskPending,
	}
}

// behaviours keyed by specialist type.
type scripted map[model.SpecialistType]func(ctx context.Context) (string, error)

func (s scripted) Invoke(ctx context.Context, sc model.SpecialistContext) (string, error) {
	return s[sc.Specialist](ctx)
}

func blockUntilDone(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestExecuteAllSucceed(t *testing.T) {
	inv := scripted{
		model.SpecialistCompute:   func(context.Context) (string, error) { return "compute ok", nil },
		model.SpecialistMessaging: func(context.Context) (string, error) { return "messaging ok", nil },
	}
	tasks := []*model.SpecialistTask{newTask(model.SpecialistCompute), newTask(model.SpecialistMessaging)}

	stats := New(inv, Options{PerTaskTimeout: time.Second, GlobalTimeout: 5 * time.Second}, nil).
		Execute(context.Background(), tasks)

	assert.Equal(t, TaskStats{Total: 2, Succeeded: 2}, stats)
	for _, task := range tasks {
		assert.Equal(t, model.TaskSucceeded, task.State)
		assert.Nil(t, task.Failure)
		assert.NotEmpty(t, task.Output)
		assert.False(t, task.FinishedAt.Before(task.StartedAt))
	}
}

func TestExecuteIsolatesFailures(t *testing.T) {
	inv := scripted{
		model.SpecialistCompute:    func(context.Context) (string, error) { panic("nil map write") },
		model.SpecialistAPIGateway: func(context.Context) (string, error) { return "", errors.New("access denied") },
		model.SpecialistWorkflow:   blockUntilDone,
		model.SpecialistIAM:        func(context.Context) (string, error) { return `{"facts": []}`, nil },
		model.SpecialistStorage:    func(context.Context) (string, error) { return "storage ok", nil },
	}
	tasks := []*model.SpecialistTask{
		newTask(model.SpecialistCompute),
		newTask(model.SpecialistAPIGateway),
		newTask(model.SpecialistWorkflow),
		newTask(model.SpecialistIAM),
		newTask(model.SpecialistStorage),
	}

	stats := New(inv, Options{PerTaskTimeout: 50 * time.Millisecond, GlobalTimeout: 5 * time.Second}, nil).
		Execute(context.Background(), tasks)

	assert.Equal(t, TaskStats{Total: 5, Succeeded: 2, Failed: 2, TimedOut: 1}, stats)

	require.NotNil(t, tasks[0].Failure)
	assert.Equal(t, model.TaskFailed, tasks[0].State)
	assert.Equal(t, model.FailurePanic, tasks[0].Failure.Kind)
	assert.Contains(t, tasks[0].Failure.Message, "nil map write")

	require.NotNil(t, tasks[1].Failure)
	assert.Equal(t, model.TaskFailed, tasks[1].State)
	assert.Equal(t, model.FailureError, tasks[1].Failure.Kind)
	assert.Contains(t, tasks[1].Failure.Message, "access denied")

	require.NotNil(t, tasks[2].Failure)
	assert.Equal(t, model.TaskTimedOut, tasks[2].State)
	assert.Equal(t, model.FailureTimeout, tasks[2].Failure.Kind)

	assert.Equal(t, model.TaskSucceeded, tasks[3].State)
	assert.Equal(t, model.TaskSucceeded, tasks[4].State)
	assert.Equal(t, "storage ok", tasks[4].Output)
}

func TestExecuteGlobalTimeoutCancelsRunningTasks(t *testing.T) {
	inv := scripted{
		model.SpecialistCompute:   blockUntilDone,
		model.SpecialistMessaging: func(context.Context) (string, error) { return "fast", nil },
	}
	tasks := []*model.SpecialistTask{newTask(model.SpecialistCompute), newTask(model.SpecialistMessaging)}

	start := time.Now()
	New(inv, Options{PerTaskTimeout: time.Minute, GlobalTimeout: 50 * time.Millisecond}, nil).
		Execute(context.Background(), tasks)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.TaskTimedOut, tasks[0].State)
	require.NotNil(t, tasks[0].Failure)
	assert.Equal(t, model.FailureCancelled, tasks[0].Failure.Kind)
	assert.Contains(t, tasks[0].Failure.Message, "global timeout")
	assert.Equal(t, model.TaskSucceeded, tasks[1].State)
}

func TestExecuteDoesNotWaitForSpecialistIgnoringCancellation(t *testing.T) {
	release := make(chan struct{})
	inv := scripted{
		model.SpecialistCompute: func(context.Context) (string, error) {
			<-release
			return "too late", nil
		},
	}
	tasks := []*model.SpecialistTask{newTask(model.SpecialistCompute)}

	start := time.Now()
	New(inv, Options{PerTaskTimeout: 30 * time.Millisecond, GlobalTimeout: time.Minute}, nil).
		Execute(context.Background(), tasks)
	elapsed := time.Since(start)
	close(release)

	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, model.TaskTimedOut, tasks[0].State)
	assert.Empty(t, tasks[0].Output, "late output must not be recorded")
}

func TestExecuteCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := scripted{model.SpecialistIAM: blockUntilDone}
	tasks := []*model.SpecialistTask{newTask(model.SpecialistIAM)}

	New(inv, Options{PerTaskTimeout: time.Second, GlobalTimeout: time.Second}, nil).Execute(ctx, tasks)

	assert.Equal(t, model.TaskTimedOut, tasks[0].State)
	require.NotNil(t, tasks[0].Failure)
	assert.Equal(t, model.FailureCancelled, tasks[0].Failure.Kind)
	assert.Contains(t, tasks[0].Failure.Message, "investigation cancelled")
}

func TestExecuteRespectsConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	work := func(context.Context) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return "ok", nil
	}
	inv := scripted{}
	var tasks []*model.SpecialistTask
	for _, st := range model.SpecialistOrder {
		inv[st] = work
		tasks = append(tasks, newTask(st))
	}

	stats := New(inv, Options{PerTaskTimeout: time.Second, GlobalTimeout: 10 * time.Second, MaxConcurrency: 2}, nil).
		Execute(context.Background(), tasks)

	assert.Equal(t, len(tasks), stats.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecuteSkipsTerminalTasks(t *testing.T) {
	var calls atomic.Int32
	inv := InvokerFunc(func(context.Context, model.SpecialistContext) (string, error) {
		calls.Add(1)
		return "", nil
	})
	done := newTask(model.SpecialistCompute)
	done.State = model.TaskSucceeded

	stats := New(inv, Options{}, nil).Execute(context.Background(), []*model.SpecialistTask{done})

	assert.Equal(t, 0, stats.Total)
	assert.Zero(t, calls.Load())
}
