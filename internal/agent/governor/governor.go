// Package governor runs the sequential hand-off mode. Units choose their
// successors; the governor decides which choices are legal and forces
// termination when a hard limit is reached.
package governor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/logging"
	"github.com/bgdnvk/cloudsleuth/internal/metrics"
)

// Decision is a unit's proposed successor.
type Decision struct {
	Next   State
	Reason string
}

// Driver executes the unit for a state and proposes the next state.
type Driver interface {
	Step(ctx context.Context, s State) (Decision, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, s State) (Decision, error)

func (f DriverFunc) Step(ctx context.Context, s State) (Decision, error) { return f(ctx, s) }

type Limits struct {
	MaxHandoffs      int
	MaxIterations    int
	NodeTimeout      time.Duration
	ExecutionTimeout time.Duration
	// Window and MinUnique configure the repetitive hand-off detector.
	Window    int
	MinUnique int
}

// Result is the audited outcome of one governed run.
type Result struct {
	// Last is the last state whose unit ran.
	Last    State
	Records []model.HandoffRecord
	Visits  map[string]int
	// Limit is set when termination was forced.
	Limit *model.GovernorLimitExceeded
}

// Reached reports whether the run entered k at least once.
func (r Result) Reached(k Kind) bool {
	for key := range r.Visits {
		if key == string(k) || strings.HasPrefix(key, string(k)+":") {
			return true
		}
	}
	return false
}

type Governor struct {
	limits Limits
	logger *zap.Logger
	now    func() time.Time
}

func New(limits Limits, logger *zap.Logger) *Governor {
	return &Governor{limits: limits, logger: logging.OrNop(logger).Named("governor"), now: time.Now}
}

// run is the mutable bookkeeping of one Run call.
type run struct {
	g        *Governor
	services []string
	cur      State
	res      Result
	dests    []string
}

// Run drives the state machine from trace_analysis until terminated.
// services lists the units service_analysis may target. The returned
// Result always ends with a transition into terminated.
func (g *Governor) Run(ctx context.Context, driver Driver, services []string) Result {
	r := &run{
		g:        g,
		services: services,
		cur:      TraceAnalysis(),
		res:      Result{Visits: map[string]int{TraceAnalysis().String(): 1}},
	}

	execCtx := ctx
	if g.limits.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, g.limits.ExecutionTimeout)
		defer cancel()
	}

	for {
		r.res.Last = r.cur
		if execCtx.Err() != nil {
			r.force(g.runEnded(ctx))
			return r.res
		}

		dec, expired, err := g.step(execCtx, driver, r.cur)
		if expired {
			if execCtx.Err() != nil {
				r.force(g.runEnded(ctx))
			} else {
				r.force(model.LimitNodeTimeout, fmt.Sprintf("%s exceeded %s", r.cur, g.limits.NodeTimeout))
			}
			return r.res
		}

		next, reason := dec.Next, dec.Reason
		switch {
		case err != nil:
			next = mandatory(r.cur)
			reason = fmt.Sprintf("unit error, falling back: %v", err)
			g.logger.Warn("unit failed", zap.Stringer("state", r.cur), zap.Error(err))
		case !legal(r.cur, next, services):
			g.logger.Warn("illegal hand-off coerced",
				zap.Stringer("from", r.cur), zap.Stringer("proposed", next))
			reason = fmt.Sprintf("illegal hand-off to %s coerced (%s)", next, reason)
			next = mandatory(r.cur)
		}

		if next.Kind == KindTerminated {
			r.record(next, reason)
			return r.res
		}
		if limit, detail, ok := r.check(next); ok {
			r.force(limit, detail)
			return r.res
		}

		r.record(next, reason)
		r.dests = append(r.dests, next.String())
		r.res.Visits[next.String()]++
		r.cur = next
	}
}

// runEnded tells a caller cancellation apart from the execution timeout.
func (g *Governor) runEnded(parent context.Context) (limit, detail string) {
	if err := parent.Err(); err != nil {
		return model.LimitCancelled, fmt.Sprintf("run cancelled: %v", err)
	}
	return model.LimitExecutionTimeout, fmt.Sprintf("run exceeded %s", g.limits.ExecutionTimeout)
}

// check applies the hard limits to a proposed non-terminal transition.
func (r *run) check(next State) (limit, detail string, exceeded bool) {
	l := r.g.limits
	if l.MaxHandoffs > 0 && len(r.res.Records)+1 >= l.MaxHandoffs {
		return model.LimitMaxHandoffs, fmt.Sprintf("%d hand-offs reached", l.MaxHandoffs), true
	}
	if l.MaxIterations > 0 && r.res.Visits[next.String()] >= l.MaxIterations {
		return model.LimitMaxIterations, fmt.Sprintf("%s already entered %d times", next, r.res.Visits[next.String()]), true
	}
	if l.Window > 0 && l.MinUnique > 0 {
		window := append(append([]string(nil), r.dests...), next.String())
		if len(window) >= l.Window {
			window = window[len(window)-l.Window:]
			unique := make(map[string]struct{}, len(window))
			for _, d := range window {
				unique[d] = struct{}{}
			}
			if len(unique) < l.MinUnique {
				return model.LimitLoopDetected, fmt.Sprintf("loop detected: only %d distinct destinations in the last %d hand-offs",
					len(unique), l.Window), true
			}
		}
	}
	return "", "", false
}

func (r *run) record(to State, reason string) {
	r.res.Records = append(r.res.Records, model.HandoffRecord{
		From:      r.cur.String(),
		To:        to.String(),
		Timestamp: r.g.now(),
		Reason:    reason,
	})
	metrics.HandoffsTotal.Inc()
	r.g.logger.Debug("hand-off", zap.Stringer("from", r.cur), zap.Stringer("to", to), zap.String("reason", reason))
}

// force moves the run straight to terminated.
func (r *run) force(limit, detail string) {
	r.res.Limit = &model.GovernorLimitExceeded{Limit: limit, State: r.cur.String(), Detail: detail}
	r.record(Terminated(), "governor limit: "+detail)
	metrics.ForcedTerminationsTotal.WithLabelValues(limit).Inc()
	r.g.logger.Warn("forced termination",
		zap.String("limit", limit),
		zap.Stringer("state", r.cur),
		zap.String("detail", detail))
}

type stepResult struct {
	dec Decision
	err error
}

// step runs one unit under the node timeout. expired is true when the
// unit did not answer in time; a unit ignoring cancellation is abandoned.
func (g *Governor) step(ctx context.Context, driver Driver, s State) (dec Decision, expired bool, err error) {
	nodeCtx := ctx
	if g.limits.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, g.limits.NodeTimeout)
		defer cancel()
	}

	done := make(chan stepResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				g.logger.Warn("unit panicked", zap.Stringer("state", s), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
				done <- stepResult{err: fmt.Errorf("unit panicked: %v", p)}
			}
		}()
		d, err := driver.Step(nodeCtx, s)
		done <- stepResult{dec: d, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && nodeCtx.Err() != nil {
			return Decision{}, true, nil
		}
		return res.dec, false, res.err
	case <-nodeCtx.Done():
		return Decision{}, true, nil
	}
}
