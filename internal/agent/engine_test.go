package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bgdnvk/cloudsleuth/internal/agent/coordinator"
	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	lambdaARN = "arn:aws:lambda:us-east-1:123456789012:function:checkout"
	roleARN   = "arn:aws:iam::123456789012:role/checkout-role"
	queueARN  = "arn:aws:sqs:us-east-1:123456789012:orders"
)

// scripted answers each specialist with a fixed output; missing entries
// return an empty answer.
type scripted map[model.SpecialistType]func(ctx context.Context) (string, error)

func (s scripted) Invoke(ctx context.Context, sc model.SpecialistContext) (string, error) {
	if fn, ok := s[sc.Specialist]; ok {
		return fn(ctx)
	}
	return "", nil
}

func answer(out string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return out, nil }
}

func opener(inv coordinator.Invoker) SessionOpener {
	return SessionOpenerFunc(func(context.Context, model.InvestigationRequest) (*Session, error) {
		return &Session{AccountID: "123456789012", Invoker: inv}, nil
	})
}

func testConfig() config.Engine {
	cfg := config.DefaultEngine()
	cfg.PerTaskTimeout = time.Second
	cfg.GlobalTimeout = 5 * time.Second
	cfg.NodeTimeout = 2 * time.Second
	cfg.ExecutionTimeout = 10 * time.Second
	return cfg
}

const computeAnswer = "```json\n" + `{"facts": [{"content": "checkout logs AccessDenied for dynamodb:PutItem", "confidence": 0.9}],
 "hypotheses": [{"type": "iam_permission", "description": "checkout-role lacks dynamodb:PutItem", "confidence": 0.8, "evidence": [0]}],
 "advice": [{"title": "Grant dynamodb:PutItem to checkout-role", "priority": "high"}]}` + "\n```"

func TestInvestigateNoResources(t *testing.T) {
	var calls atomic.Int32
	inv := coordinator.InvokerFunc(func(context.Context, model.SpecialistContext) (string, error) {
		calls.Add(1)
		return "", nil
	})
	e := NewEngine(testConfig(), opener(inv), nil)

	rep, err := e.Investigate(context.Background(), "checkout is returning 500s", "us-east-1", "", "")

	require.NoError(t, err)
	assert.NotEmpty(t, rep.RunID)
	assert.Empty(t, rep.AffectedResources)
	assert.Empty(t, rep.Tasks)
	require.NotNil(t, rep.RootCause.Primary)
	assert.Equal(t, model.HypothesisInsufficientData, rep.RootCause.Primary.Type)
	assert.LessOrEqual(t, rep.RootCause.Confidence, 0.3)
	assert.Equal(t, model.StatusDegraded, rep.Status)
	assert.Contains(t, rep.RootCause.Summary, "no affected resources were discovered")
	assert.Zero(t, calls.Load())
}

func TestInvestigateSpecialistTimeout(t *testing.T) {
	inv := scripted{model.SpecialistCompute: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	cfg := testConfig()
	cfg.PerTaskTimeout = 20 * time.Millisecond
	e := NewEngine(cfg, opener(inv), nil)

	rep, err := e.Investigate(context.Background(), "checkout failing: "+lambdaARN, "us-east-1", "", "")

	require.NoError(t, err)
	require.Len(t, rep.AffectedResources, 1)
	require.Len(t, rep.Facts, 1)
	f := rep.Facts[0]
	assert.True(t, f.Synthetic())
	assert.Equal(t, string(model.FailureTimeout), f.Metadata[model.MetaFailure])

	require.Len(t, rep.Hypotheses, 1)
	assert.Equal(t, model.HypothesisInsufficientData, rep.Hypotheses[0].Type)
	assert.Equal(t, []string{f.ID}, rep.Hypotheses[0].Evidence)
	assert.Equal(t, model.StatusDegraded, rep.Status)
	require.Len(t, rep.Tasks, 1)
	assert.Equal(t, model.TaskTimedOut, rep.Tasks[0].State)
}

func TestInvestigateParallel(t *testing.T) {
	inv := scripted{
		model.SpecialistCompute: answer(computeAnswer),
		model.SpecialistIAM:     answer(`{"facts": ["checkout-role has no dynamodb statements"]}`),
	}
	e := NewEngine(testConfig(), opener(inv), nil)
	payload := `{"targets": ["` + lambdaARN + `", "` + roleARN + `"], "errors": ["500 on POST /orders"]}`

	rep, err := e.Investigate(context.Background(), payload, "us-east-1", "", "")

	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rep.Status)
	assert.Equal(t, model.ModeParallel, rep.Mode)
	require.Len(t, rep.Tasks, 2)
	for _, ts := range rep.Tasks {
		assert.Equal(t, model.TaskSucceeded, ts.State)
	}
	require.Len(t, rep.Facts, 2)
	assert.Equal(t, "compute#0", rep.Facts[0].ID)
	assert.Equal(t, "iam#0", rep.Facts[1].ID)

	p := rep.RootCause.Primary
	require.NotNil(t, p)
	assert.Equal(t, "iam_permission", p.Type)
	assert.Equal(t, []string{"compute#0"}, p.Evidence)
	assert.Equal(t, 0.8, rep.RootCause.Confidence)
	require.Len(t, rep.Advice, 1)
	assert.Empty(t, rep.Handoffs)

	require.NotEmpty(t, rep.Timeline)
	for i := 1; i < len(rep.Timeline); i++ {
		assert.False(t, rep.Timeline[i].Time.Before(rep.Timeline[i-1].Time))
	}
}

func TestInvestigateFailureIsolation(t *testing.T) {
	inv := scripted{
		model.SpecialistCompute:   func(context.Context) (string, error) { panic("nil pointer in collector") },
		model.SpecialistIAM:       answer(`{"facts": ["role trust policy allows lambda"]}`),
		model.SpecialistMessaging: func(context.Context) (string, error) { return "", errors.New("throttled") },
	}
	e := NewEngine(testConfig(), opener(inv), nil)
	payload := strings.Join([]string{lambdaARN, roleARN, queueARN}, " ")

	rep, err := e.Investigate(context.Background(), payload, "us-east-1", "", "")

	require.NoError(t, err)
	assert.Equal(t, model.StatusDegraded, rep.Status)
	states := map[model.SpecialistType]model.TaskState{}
	for _, ts := range rep.Tasks {
		states[ts.Specialist] = ts.State
	}
	assert.Equal(t, model.TaskFailed, states[model.SpecialistCompute])
	assert.Equal(t, model.TaskSucceeded, states[model.SpecialistIAM])
	assert.Equal(t, model.TaskFailed, states[model.SpecialistMessaging])

	var contents []string
	for _, f := range rep.Facts {
		contents = append(contents, f.Content)
	}
	assert.Contains(t, contents, "role trust policy allows lambda")
	assert.Len(t, rep.Facts, 3)
	assert.Contains(t, rep.RootCause.Summary, "specialist compute failed")
}

func TestInvestigateFatalSetup(t *testing.T) {
	opened := false
	op := SessionOpenerFunc(func(context.Context, model.InvestigationRequest) (*Session, error) {
		opened = true
		return nil, errors.New("AccessDenied: not authorized to perform sts:AssumeRole")
	})
	e := NewEngine(testConfig(), op, nil)

	rep, err := e.Investigate(context.Background(), lambdaARN, "us-east-1", "not-a-role", "")
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.True(t, model.IsFatalSetup(err))
	assert.False(t, opened)

	rep, err = e.Investigate(context.Background(), lambdaARN, "us-east-1", roleARN, "ext-1")
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.True(t, model.IsFatalSetup(err))
	assert.Contains(t, err.Error(), "AssumeRole")
	assert.True(t, opened)
}

func TestInvestigateHandoffMode(t *testing.T) {
	inv := scripted{
		model.SpecialistCompute:   answer(computeAnswer + "\n{\"handoff\": {\"to\": \"iam\", \"reason\": \"AccessDenied in logs\"}}"),
		model.SpecialistIAM:       answer(`{"facts": ["checkout-role has no dynamodb statements"]}`),
		model.SpecialistMessaging: answer(`{"facts": ["orders queue depth normal"]}`),
	}
	cfg := testConfig()
	cfg.Mode = config.ModeHandoff
	e := NewEngine(cfg, opener(inv), nil)

	rep, err := e.Investigate(context.Background(), strings.Join([]string{queueARN, roleARN, lambdaARN}, "\n"), "us-east-1", "", "")

	require.NoError(t, err)
	assert.Equal(t, model.ModeHandoff, rep.Mode)
	assert.Nil(t, rep.Termination)
	var path []string
	for _, h := range rep.Handoffs {
		path = append(path, h.From+"->"+h.To)
	}
	assert.Equal(t, []string{
		"trace_analysis->service_analysis:compute",
		"service_analysis:compute->service_analysis:iam",
		"service_analysis:iam->service_analysis:messaging",
		"service_analysis:messaging->hypothesis_generation",
		"hypothesis_generation->root_cause_analysis",
		"root_cause_analysis->terminated",
	}, path)
	assert.Equal(t, "AccessDenied in logs", rep.Handoffs[1].Reason)
	for _, ts := range rep.Tasks {
		assert.Equal(t, model.TaskSucceeded, ts.State)
	}
	assert.Equal(t, model.StatusCompleted, rep.Status)
	assert.Equal(t, "iam_permission", rep.RootCause.Primary.Type)
}

func TestInvestigateHandoffLoop(t *testing.T) {
	inv := scripted{
		model.SpecialistCompute: answer(`{"facts": ["errors"], "handoff": {"to": "iam", "reason": "role looks wrong"}}`),
		model.SpecialistIAM:     answer(`{"facts": ["role fine"], "handoff": {"to": "compute", "reason": "function looks wrong"}}`),
	}
	cfg := testConfig()
	cfg.Mode = config.ModeHandoff
	cfg.RepetitiveHandoffWindow = 4
	cfg.RepetitiveHandoffMinUnique = 3
	e := NewEngine(cfg, opener(inv), nil)

	rep, err := e.Investigate(context.Background(), strings.Join([]string{lambdaARN, roleARN, queueARN}, " "), "us-east-1", "", "")

	require.NoError(t, err)
	require.NotNil(t, rep.Termination)
	assert.Equal(t, model.LimitLoopDetected, rep.Termination.Limit)
	assert.Less(t, len(rep.Handoffs), cfg.MaxHandoffs)
	assert.Equal(t, model.StatusDegraded, rep.Status)

	states := map[model.SpecialistType]model.TaskSummary{}
	for _, ts := range rep.Tasks {
		states[ts.Specialist] = ts
	}
	assert.Equal(t, model.TaskSucceeded, states[model.SpecialistCompute].State)
	assert.Equal(t, model.TaskSucceeded, states[model.SpecialistIAM].State)
	messaging := states[model.SpecialistMessaging]
	assert.Equal(t, model.TaskTimedOut, messaging.State)
	require.NotNil(t, messaging.Failure)
	assert.Equal(t, model.FailureCancelled, messaging.Failure.Kind)
	assert.Contains(t, rep.RootCause.Summary, "stopped early")
}

type panickingFallback struct{}

func (panickingFallback) GenerateHypotheses(context.Context, []model.Fact) (string, error) {
	panic("fallback exploded")
}

func (panickingFallback) AnalyzeRootCause(context.Context, []model.Hypothesis, []model.Fact) (string, error) {
	panic("fallback exploded")
}

func TestInvestigateRecoversInternalPanic(t *testing.T) {
	inv := scripted{model.SpecialistCompute: answer(`{"facts": ["cold start"]}`)}
	op := SessionOpenerFunc(func(context.Context, model.InvestigationRequest) (*Session, error) {
		return &Session{Invoker: inv, Fallback: panickingFallback{}}, nil
	})
	e := NewEngine(testConfig(), op, nil)

	rep, err := e.Investigate(context.Background(), lambdaARN, "us-east-1", "", "")

	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rep.Status)
	require.NotNil(t, rep.RootCause.Primary)
	assert.Equal(t, model.HypothesisInsufficientData, rep.RootCause.Primary.Type)
	assert.Contains(t, rep.RootCause.Summary, "fallback exploded")
}

type staticHints []model.TopologyHint

func (h staticHints) Hints(context.Context, []model.ResourceDescriptor) ([]model.TopologyHint, error) {
	return h, nil
}

func TestInvestigatePassesHintsToSpecialists(t *testing.T) {
	var seen atomic.Int32
	inv := coordinator.InvokerFunc(func(_ context.Context, sc model.SpecialistContext) (string, error) {
		seen.Store(int32(len(sc.Hints)))
		return "", nil
	})
	e := NewEngine(testConfig(), opener(inv), nil)
	e.SetHintSource(staticHints{{RunID: "prior", Similarity: 1, RootCauseType: "iam_permission"}})

	rep, err := e.Investigate(context.Background(), lambdaARN, "us-east-1", "", "")

	require.NoError(t, err)
	assert.EqualValues(t, 1, seen.Load())
	require.Len(t, rep.Hints, 1)
	assert.Equal(t, "prior", rep.Hints[0].RunID)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	finding := "compute: función excedió el tiempo límite"
	got := truncate(finding, 15)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "compute: funci...", got)
}
