// Package coordinator fans specialist tasks out in parallel under per-task
// and global deadlines, isolating every task's failure from its siblings.
package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/logging"
	"github.com/bgdnvk/cloudsleuth/internal/metrics"
)

// Invoker runs one specialist over its merged context and returns the raw,
// possibly malformed, text it produced.
type Invoker interface {
	Invoke(ctx context.Context, sc model.SpecialistContext) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, sc model.SpecialistContext) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, sc model.SpecialistContext) (string, error) {
	return f(ctx, sc)
}

type Options struct {
	PerTaskTimeout time.Duration
	GlobalTimeout  time.Duration
	// MaxConcurrency caps running tasks; zero runs them all at once.
	MaxConcurrency int
}

type Coordinator struct {
	invoker Invoker
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

func New(invoker Invoker, opts Options, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		invoker: invoker,
		opts:    opts,
		logger:  logging.OrNop(logger).Named("coordinator"),
		now:     time.Now,
	}
}

// Execute runs every pending task concurrently and returns once each one
// is succeeded, failed or timed_out. It never returns before all tasks
// are terminal and never waits past the global timeout for a specialist
// that ignores cancellation.
func (c *Coordinator) Execute(ctx context.Context, tasks []*model.SpecialistTask) TaskStats {
	var pending []*model.SpecialistTask
	for _, t := range tasks {
		if t.State == "" || t.State == model.TaskPending {
			t.State = model.TaskPending
			pending = append(pending, t)
		}
	}
	reg := newTaskRegistry(len(pending))
	if len(pending) == 0 {
		return reg.snapshot()
	}

	globalCtx := ctx
	if c.opts.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		globalCtx, cancel = context.WithTimeout(ctx, c.opts.GlobalTimeout)
		defer cancel()
	}

	c.logger.Info("launching specialists",
		zap.Int("tasks", len(pending)),
		zap.Duration("per_task_timeout", c.opts.PerTaskTimeout),
		zap.Duration("global_timeout", c.opts.GlobalTimeout))

	var g errgroup.Group
	if c.opts.MaxConcurrency > 0 {
		g.SetLimit(c.opts.MaxConcurrency)
	}
	for _, task := range pending {
		g.Go(func() error {
			c.runTask(ctx, globalCtx, task)
			stats := reg.mark(task.State)
			c.logger.Debug("specialist progress",
				zap.Int("done", stats.Done()),
				zap.Int("total", stats.Total))
			return nil
		})
	}
	_ = g.Wait()

	stats := reg.snapshot()
	c.logger.Info("specialists finished",
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("timed_out", stats.TimedOut))
	return stats
}

type outcome struct {
	output string
	err    error
	panic  any
	stack  []byte
}

// runTask owns task for its whole lifetime; nothing else writes to it
// until Execute returns.
func (c *Coordinator) runTask(parent, globalCtx context.Context, task *model.SpecialistTask) {
	task.StartedAt = c.now()
	task.State = model.TaskRunning

	defer func() {
		task.FinishedAt = c.now()
		metrics.SpecialistTaskDuration.
			WithLabelValues(string(task.Specialist), string(task.State)).
			Observe(task.FinishedAt.Sub(task.StartedAt).Seconds())
	}()

	if globalCtx.Err() != nil {
		c.timeOut(parent, globalCtx, task)
		return
	}

	taskCtx := globalCtx
	if c.opts.PerTaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(globalCtx, c.opts.PerTaskTimeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panic: r, stack: debug.Stack()}
			}
		}()
		out, err := c.invoker.Invoke(taskCtx, task.Context)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		c.settle(parent, globalCtx, taskCtx, task, o)
	case <-taskCtx.Done():
		c.timeOut(parent, globalCtx, task)
	}
}

func (c *Coordinator) settle(parent, globalCtx, taskCtx context.Context, task *model.SpecialistTask, o outcome) {
	log := c.logger.With(zap.String("specialist", string(task.Specialist)))
	switch {
	case o.panic != nil:
		task.State = model.TaskFailed
		sf := &model.SpecialistFailure{Specialist: task.Specialist, Kind: model.FailurePanic, Err: fmt.Errorf("%v", o.panic)}
		task.Failure = &model.TaskFailure{Kind: model.FailurePanic, Message: sf.Error()}
		log.Warn("specialist panicked", zap.Any("panic", o.panic), zap.ByteString("stack", o.stack))
	case o.err != nil && taskCtx.Err() != nil:
		c.timeOut(parent, globalCtx, task)
	case o.err != nil:
		task.State = model.TaskFailed
		sf := &model.SpecialistFailure{Specialist: task.Specialist, Kind: model.FailureError, Err: o.err}
		task.Failure = &model.TaskFailure{Kind: model.FailureError, Message: sf.Error()}
		log.Warn("specialist failed", zap.Error(o.err))
	default:
		task.State = model.TaskSucceeded
		task.Output = o.output
		log.Debug("specialist succeeded", zap.Int("output_bytes", len(o.output)))
	}
}

// timeOut marks task timed_out, distinguishing its own deadline from the
// global deadline or caller cancellation.
func (c *Coordinator) timeOut(parent, globalCtx context.Context, task *model.SpecialistTask) {
	task.State = model.TaskTimedOut
	st := &model.SpecialistTimeout{Specialist: task.Specialist, Timeout: c.opts.PerTaskTimeout}
	kind := model.FailureTimeout
	elapsed := c.now().Sub(task.StartedAt)

	if globalCtx.Err() != nil {
		st.Cancelled = true
		kind = model.FailureCancelled
	}
	msg := st.Error()
	if st.Cancelled {
		if parent.Err() != nil {
			msg += ": investigation cancelled"
		} else {
			msg += fmt.Sprintf(": global timeout %s reached", c.opts.GlobalTimeout)
		}
	}
	task.Failure = &model.TaskFailure{Kind: kind, Message: msg}
	c.logger.Warn("specialist timed out",
		zap.String("specialist", string(task.Specialist)),
		zap.String("kind", string(kind)),
		zap.Duration("elapsed", elapsed))
}
