package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent/aggregate"
	"github.com/bgdnvk/cloudsleuth/internal/agent/coordinator"
	"github.com/bgdnvk/cloudsleuth/internal/agent/governor"
	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

var errDriverClosed = errors.New("hand-off run already finished")

// maxPriorFinding bounds how much of one unit's output is passed on to the
// next unit as a prior finding.
const maxPriorFinding = 600

func (r *run) runHandoff(ctx context.Context) {
	cfg := r.e.cfg
	d := &handoffDriver{
		r:     r,
		coord: r.handoffCoordinator(),
		tasks: make(map[string]*model.SpecialistTask, len(r.tasks)),
	}
	services := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		services = append(services, string(t.Specialist))
		d.tasks[string(t.Specialist)] = t
	}
	d.queue = append([]string(nil), services...)

	gov := governor.New(governor.Limits{
		MaxHandoffs:      cfg.MaxHandoffs,
		MaxIterations:    cfg.MaxIterations,
		NodeTimeout:      cfg.NodeTimeout,
		ExecutionTimeout: cfg.ExecutionTimeout,
		Window:           cfg.RepetitiveHandoffWindow,
		MinUnique:        cfg.RepetitiveHandoffMinUnique,
	}, r.log)
	r.tl.add(componentGovernor, "info", "starting hand-off run over %d services", len(services))

	res := gov.Run(ctx, d, services)
	// A unit abandoned on timeout may still be unwinding; wait for it before
	// reading any task.
	d.close()

	r.report.Handoffs = res.Records
	r.report.Termination = res.Limit
	for _, rec := range res.Records {
		r.tl.addAt(rec.Timestamp, componentGovernor, "handoff", "%s -> %s: %s", rec.From, rec.To, rec.Reason)
	}
	if res.Limit != nil {
		r.tl.add(componentGovernor, "warning", "forced termination (%s) in %s: %s", res.Limit.Limit, res.Limit.State, res.Limit.Detail)
	}
	r.recordTasks()
	r.markUnreached(res)
}

// handoffCoordinator runs one specialist at a time. The governor's node
// timeout bounds each unit, so there is no global timeout here.
func (r *run) handoffCoordinator() *coordinator.Coordinator {
	return coordinator.New(r.sess.Invoker, coordinator.Options{
		PerTaskTimeout: r.e.cfg.PerTaskTimeout,
	}, r.log)
}

// markUnreached makes tasks the governor never ran visible as cancelled.
func (r *run) markUnreached(res governor.Result) {
	why := "investigation ended before this specialist was reached"
	if res.Limit != nil {
		why = fmt.Sprintf("not reached: %s", res.Limit.Detail)
	}
	now := r.e.now()
	for _, t := range r.tasks {
		if t.State.Terminal() {
			continue
		}
		t.State = model.TaskTimedOut
		t.Failure = &model.TaskFailure{Kind: model.FailureCancelled, Message: why}
		t.FinishedAt = now
		r.tl.add(componentGovernor, "warning", "specialist %s %s", t.Specialist, why)
	}
}

// handoffDriver executes the unit behind each governor state.
type handoffDriver struct {
	r     *run
	coord *coordinator.Coordinator
	tasks map[string]*model.SpecialistTask
	// queue holds routed services not yet analyzed, in routing order.
	queue []string
	prior []string

	mu     sync.Mutex
	closed bool
}

// close blocks until no unit is running and rejects later steps.
func (d *handoffDriver) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *handoffDriver) Step(ctx context.Context, s governor.State) (governor.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return governor.Decision{}, errDriverClosed
	}

	switch s.Kind {
	case governor.KindTraceAnalysis:
		if len(d.queue) == 0 {
			return governor.Decision{Next: governor.HypothesisGeneration(), Reason: "no routed services to analyze"}, nil
		}
		return governor.Decision{
			Next:   governor.ServiceAnalysis(d.queue[0]),
			Reason: "trace implicates " + strings.Join(d.queue, ", "),
		}, nil
	case governor.KindServiceAnalysis:
		return d.analyze(ctx, s.Service)
	case governor.KindHypothesisGeneration:
		agg := aggregate.Aggregate(d.executed())
		return governor.Decision{
			Next:   governor.RootCauseAnalysis(),
			Reason: fmt.Sprintf("%d facts and %d hypotheses gathered", len(agg.Facts), len(agg.Hypotheses)),
		}, nil
	default:
		return governor.Decision{Next: governor.Terminated(), Reason: "analysis complete"}, nil
	}
}

func (d *handoffDriver) analyze(ctx context.Context, service string) (governor.Decision, error) {
	d.dequeue(service)
	task, ok := d.tasks[service]
	if !ok {
		return governor.Decision{}, fmt.Errorf("no task for service %s", service)
	}

	if !task.State.Terminal() {
		task.Context.Prior = append([]string(nil), d.prior...)
		d.coord.Execute(ctx, []*model.SpecialistTask{task})
		if task.State == model.TaskSucceeded {
			d.prior = append(d.prior, fmt.Sprintf("%s: %s", service, truncate(task.Output, maxPriorFinding)))
		}
		d.r.log.Debug("hand-off unit finished", zap.String("service", service), zap.String("state", string(task.State)))
	}

	if task.State == model.TaskSucceeded {
		if h, ok := aggregate.ParseHandoff(task.Output); ok && h.To != service {
			if _, routed := d.tasks[h.To]; routed {
				reason := h.Reason
				if reason == "" {
					reason = service + " nominated " + h.To
				}
				return governor.Decision{Next: governor.ServiceAnalysis(h.To), Reason: reason}, nil
			}
		}
	}
	if len(d.queue) > 0 {
		return governor.Decision{
			Next:   governor.ServiceAnalysis(d.queue[0]),
			Reason: fmt.Sprintf("%s %s; next routed specialist", service, task.State),
		}, nil
	}
	return governor.Decision{Next: governor.HypothesisGeneration(), Reason: "all routed specialists analyzed"}, nil
}

func (d *handoffDriver) dequeue(service string) {
	for i, s := range d.queue {
		if s == service {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

// executed returns the tasks that reached a terminal state so far.
func (d *handoffDriver) executed() []*model.SpecialistTask {
	var out []*model.SpecialistTask
	for _, t := range d.r.tasks {
		if t.State.Terminal() {
			out = append(out, t)
		}
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
