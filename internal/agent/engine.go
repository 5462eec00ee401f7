// Package agent runs investigations: it discovers affected resources, fans
// out to specialists (in parallel or through the governed hand-off state
// machine), and folds their output into a single report.
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent/aggregate"
	"github.com/bgdnvk/cloudsleuth/internal/agent/coordinator"
	"github.com/bgdnvk/cloudsleuth/internal/agent/discovery"
	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/agent/router"
	"github.com/bgdnvk/cloudsleuth/internal/agent/synth"
	"github.com/bgdnvk/cloudsleuth/internal/config"
	"github.com/bgdnvk/cloudsleuth/internal/logging"
	"github.com/bgdnvk/cloudsleuth/internal/metrics"
)

// Session holds the run-scoped collaborators. It is shared read-only by
// every component of one run.
type Session struct {
	AccountID string
	Traces    discovery.TraceLookup
	Invoker   coordinator.Invoker
	// Fallback may be nil; synthesis then uses deterministic fallbacks only.
	Fallback synth.Fallback
}

// SessionOpener establishes cloud access for a request. Errors it returns
// abort the run before any specialist executes.
type SessionOpener interface {
	Open(ctx context.Context, req model.InvestigationRequest) (*Session, error)
}

// SessionOpenerFunc adapts a function to SessionOpener.
type SessionOpenerFunc func(ctx context.Context, req model.InvestigationRequest) (*Session, error)

func (f SessionOpenerFunc) Open(ctx context.Context, req model.InvestigationRequest) (*Session, error) {
	return f(ctx, req)
}

// HintSource supplies prior-run hints. It is optional and its failures
// never affect a run.
type HintSource interface {
	Hints(ctx context.Context, resources []model.ResourceDescriptor) ([]model.TopologyHint, error)
}

type Engine struct {
	cfg    config.Engine
	opener SessionOpener
	hints  HintSource
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine returns an engine using cfg; unset limits take their defaults.
func NewEngine(cfg config.Engine, opener SessionOpener, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg.WithDefaults(),
		opener: opener,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// SetHintSource enables similarity hints for later runs.
func (e *Engine) SetHintSource(h HintSource) {
	e.hints = h
}

// Config returns the effective engine limits.
func (e *Engine) Config() config.Engine { return e.cfg }

// Investigate runs one investigation. The error is non-nil only for a
// *model.FatalSetupError; every other failure yields a report with status
// degraded or failed.
func (e *Engine) Investigate(ctx context.Context, payload, region, role, externalID string) (*model.InvestigationReport, error) {
	started := e.now()
	req := discovery.ParseRequest(payload, region, role, externalID)

	if err := validateRole(req.CrossAccountRole); err != nil {
		return nil, e.fatal("credentials", err)
	}
	if e.opener == nil {
		return nil, e.fatal("session", errors.New("no session opener configured"))
	}
	sess, err := e.opener.Open(ctx, req)
	if err != nil {
		var fe *model.FatalSetupError
		if errors.As(err, &fe) {
			e.logger.Error("investigation setup failed", zap.String("stage", fe.Stage), zap.Error(fe.Err))
			return nil, fe
		}
		return nil, e.fatal("session", err)
	}
	if sess == nil {
		return nil, e.fatal("session", errors.New("session opener returned no session"))
	}

	r := &run{
		e:    e,
		sess: sess,
		req:  req,
		tl:   newTimeline(e.now),
		log:  e.logger.With(zap.String("region", req.Region)),
		report: &model.InvestigationReport{
			RunID:     uuid.NewString(),
			Mode:      model.Mode(e.cfg.Mode),
			Region:    req.Region,
			StartedAt: started,
		},
	}
	r.log = r.log.With(zap.String("run_id", r.report.RunID))
	r.execute(ctx)

	rep := r.report
	rep.FinishedAt = e.now()
	rep.Timeline = r.tl.sorted()
	metrics.InvestigationsTotal.WithLabelValues(string(rep.Mode), string(rep.Status)).Inc()
	metrics.InvestigationDuration.WithLabelValues(string(rep.Mode)).Observe(rep.FinishedAt.Sub(started).Seconds())
	r.log.Info("investigation finished",
		zap.String("status", string(rep.Status)),
		zap.Int("facts", len(rep.Facts)),
		zap.Float64("confidence", rep.RootCause.Confidence))
	return rep, nil
}

func (e *Engine) fatal(stage string, err error) error {
	e.logger.Error("investigation setup failed", zap.String("stage", stage), zap.Error(err))
	return &model.FatalSetupError{Stage: stage, Err: err}
}

// validateRole rejects a cross-account role that is not an IAM role ARN.
func validateRole(role string) error {
	if role == "" {
		return nil
	}
	a, err := arn.Parse(role)
	if err != nil {
		return fmt.Errorf("cross-account role %q: %w", role, err)
	}
	if a.Service != "iam" || !strings.HasPrefix(a.Resource, "role/") {
		return fmt.Errorf("cross-account role %q is not an IAM role ARN", role)
	}
	return nil
}

// run is the state of one investigation after setup succeeded.
type run struct {
	e      *Engine
	sess   *Session
	req    model.InvestigationRequest
	tl     *timeline
	log    *zap.Logger
	report *model.InvestigationReport

	resources []model.ResourceDescriptor
	tasks     []*model.SpecialistTask
	routed    router.Result
	failed    bool
}

// execute runs every stage. A panic in any stage is recovered and turns
// the report into a failed one built from whatever was gathered.
func (r *run) execute(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.failed = true
			r.log.Error("investigation panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			r.tl.add(componentEngine, "error", "internal error: %v", p)
			r.finishAfterPanic(ctx, p)
		}
	}()

	shared := r.discover(ctx)
	r.route(ctx, shared)
	if r.e.cfg.Mode == config.ModeHandoff {
		r.runHandoff(ctx)
	} else {
		r.runParallel(ctx)
	}
	r.synthesize(ctx)
}

func (r *run) discover(ctx context.Context) *model.InvestigationContext {
	res := discovery.New(r.sess.Traces, r.log).Discover(ctx, r.req)
	for _, f := range res.Failures {
		r.tl.add(componentDiscovery, "warning", "%v", f)
	}
	r.resources = res.Resources
	r.report.AffectedResources = append([]model.ResourceDescriptor{}, res.Resources...)
	r.tl.add(componentDiscovery, "info", "discovered %d resources from %d targets and %d traces",
		len(res.Resources), len(r.req.Targets), len(r.req.TraceIDs))

	return &model.InvestigationContext{
		RunID:            r.report.RunID,
		Region:           r.req.Region,
		AccountID:        r.sess.AccountID,
		CrossAccountRole: r.req.CrossAccountRole,
		TraceIDs:         append([]string(nil), r.req.TraceIDs...),
		Errors:           append([]string(nil), r.req.Errors...),
		StartedAt:        r.report.StartedAt,
	}
}

func (r *run) route(ctx context.Context, shared *model.InvestigationContext) {
	hints := r.lookupHints(ctx)
	r.routed = router.Route(r.resources, shared)
	r.tasks = r.routed.Tasks
	for _, t := range r.tasks {
		t.Context.Hints = hints
	}
	for _, d := range r.routed.Dropped {
		r.tl.add(componentRouter, "warning", "no specialist for %s (%s)", d.Key(), d.Type)
	}
	names := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		names = append(names, fmt.Sprintf("%s(%d)", t.Specialist, len(t.Context.Resources)))
	}
	r.tl.add(componentRouter, "info", "routed to %d specialists: %s", len(r.tasks), strings.Join(names, ", "))
}

func (r *run) lookupHints(ctx context.Context) []model.TopologyHint {
	if r.e.hints == nil || len(r.resources) == 0 {
		return nil
	}
	hints, err := r.e.hints.Hints(ctx, r.resources)
	if err != nil {
		r.log.Warn("similarity hints unavailable", zap.Error(err))
		return nil
	}
	r.report.Hints = hints
	return hints
}

func (r *run) coordinator() *coordinator.Coordinator {
	return coordinator.New(r.sess.Invoker, coordinator.Options{
		PerTaskTimeout: r.e.cfg.PerTaskTimeout,
		GlobalTimeout:  r.e.cfg.GlobalTimeout,
		MaxConcurrency: r.e.cfg.MaxConcurrency,
	}, r.log)
}

func (r *run) runParallel(ctx context.Context) {
	if len(r.tasks) == 0 {
		return
	}
	r.tl.add(componentCoordinator, "info", "launching %d specialists in parallel", len(r.tasks))
	stats := r.coordinator().Execute(ctx, r.tasks)
	r.recordTasks()
	r.tl.add(componentCoordinator, "info", "%d succeeded, %d failed, %d timed out",
		stats.Succeeded, stats.Failed, stats.TimedOut)
}

// recordTasks adds one timeline event per finished task.
func (r *run) recordTasks() {
	for _, t := range r.tasks {
		if !t.State.Terminal() || t.FinishedAt.IsZero() {
			continue
		}
		kind := "info"
		msg := fmt.Sprintf("specialist %s %s", t.Specialist, t.State)
		if t.Failure != nil {
			kind = "warning"
			msg += ": " + t.Failure.Message
		}
		r.tl.addAt(t.FinishedAt, componentCoordinator, kind, "%s", msg)
	}
}

func (r *run) synthesize(ctx context.Context) {
	agg := aggregate.Aggregate(r.tasks)
	facts := append(agg.Facts, r.routed.Warnings...)
	r.tl.add(componentAggregator, "info", "aggregated %d facts, %d hypotheses, %d advice",
		len(facts), len(agg.Hypotheses), len(agg.Advice))

	s := synth.New(synth.Options{
		ConfidenceFloor: r.e.cfg.ConfidenceFloor,
		MaxContributing: r.e.cfg.MaxContributing,
	}, r.sess.Fallback, r.log)
	res := s.Synthesize(ctx, synth.Input{Facts: facts, Hypotheses: agg.Hypotheses, Gaps: r.gaps()})
	for _, n := range res.Notes {
		r.tl.add(componentSynthesizer, "info", "%s", n)
	}
	r.tl.add(componentSynthesizer, "info", "primary root cause %s (confidence %.2f)",
		res.RootCause.Primary.Type, res.RootCause.Confidence)

	rep := r.report
	rep.Facts = facts
	rep.Hypotheses = res.Hypotheses
	rep.RootCause = res.RootCause
	rep.Advice = agg.Advice
	rep.Tasks = summarizeTasks(r.tasks)
	rep.Status = r.status()
}

// gaps lists what the run could not determine.
func (r *run) gaps() []string {
	var gaps []string
	if len(r.resources) == 0 {
		gaps = append(gaps, "no affected resources were discovered")
	}
	for _, t := range r.tasks {
		switch t.State {
		case model.TaskFailed:
			gaps = append(gaps, fmt.Sprintf("specialist %s failed", t.Specialist))
		case model.TaskTimedOut:
			gaps = append(gaps, fmt.Sprintf("specialist %s timed out", t.Specialist))
		}
	}
	if n := len(r.routed.Dropped); n > 0 {
		gaps = append(gaps, fmt.Sprintf("%d resources had no specialist", n))
	}
	if r.report.Termination != nil {
		gaps = append(gaps, "investigation stopped early: "+r.report.Termination.Detail)
	}
	return gaps
}

func (r *run) status() model.Status {
	if r.failed {
		return model.StatusFailed
	}
	if len(r.resources) == 0 || r.report.Termination != nil {
		return model.StatusDegraded
	}
	for _, t := range r.tasks {
		if t.State == model.TaskFailed || t.State == model.TaskTimedOut {
			return model.StatusDegraded
		}
	}
	if p := r.report.RootCause.Primary; p == nil || p.Type == model.HypothesisInsufficientData {
		return model.StatusDegraded
	}
	return model.StatusCompleted
}

// finishAfterPanic still produces a well-formed report. Synthesis is
// retried once over what was gathered; if that panics too, the report
// carries an insufficient_data root cause.
func (r *run) finishAfterPanic(ctx context.Context, p any) {
	defer func() {
		if p2 := recover(); p2 != nil {
			r.log.Error("synthesis after panic failed", zap.Any("panic", p2))
			r.insufficient(fmt.Sprintf("internal error: %v", p))
		}
		r.report.Status = model.StatusFailed
	}()
	for _, t := range r.tasks {
		if !t.State.Terminal() {
			t.State = model.TaskFailed
			t.Failure = &model.TaskFailure{Kind: model.FailurePanic, Message: fmt.Sprintf("investigation aborted: %v", p)}
		}
	}
	r.synthesize(ctx)
}

func (r *run) insufficient(summary string) {
	h := model.Hypothesis{
		Type:        model.HypothesisInsufficientData,
		Description: summary,
		Confidence:  0.1,
		Source:      componentEngine,
	}
	r.report.Hypotheses = []model.Hypothesis{h}
	r.report.RootCause = model.RootCauseAnalysis{
		Primary:    &h,
		Confidence: h.Confidence,
		Summary:    "No root cause could be determined: " + summary,
	}
	r.report.Tasks = summarizeTasks(r.tasks)
}

func summarizeTasks(tasks []*model.SpecialistTask) []model.TaskSummary {
	out := make([]model.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		s := model.TaskSummary{Specialist: t.Specialist, State: t.State, Failure: t.Failure}
		for _, rd := range t.Context.Resources {
			s.Resources = append(s.Resources, rd.Key())
		}
		if !t.StartedAt.IsZero() && !t.FinishedAt.IsZero() {
			s.Duration = t.FinishedAt.Sub(t.StartedAt)
		}
		out = append(out, s)
	}
	return out
}
