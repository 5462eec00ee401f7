package specialist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgdnvk/cloudsleuth/internal/agent/aggregate"
	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/aws"
)

type fakeCollector struct {
	mu   sync.Mutex
	seen []string
	obs  map[string][]aws.Observation
}

func (f *fakeCollector) Collect(_ context.Context, rd model.ResourceDescriptor) []aws.Observation {
	f.mu.Lock()
	f.seen = append(f.seen, rd.Key())
	f.mu.Unlock()
	return f.obs[rd.Key()]
}

type fakeAsker struct {
	answer string
	err    error
	prompt string
}

func (f *fakeAsker) AskPrompt(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.answer, f.err
}

var (
	fn   = model.ResourceDescriptor{Type: model.ResourceLambdaFunction, Name: "order-fn", Origin: model.OriginExplicit}
	role = model.ResourceDescriptor{Type: model.ResourceIAMRole, Name: "order-fn-role", Origin: model.OriginTraceDerived}
)

func computeObservations() map[string][]aws.Observation {
	return map[string][]aws.Observation{
		fn.Key(): {
			{Resource: fn.Key(), Content: "function order-fn runtime python3.11, timeout 30s, memory 256MB", Confidence: 0.5},
			{Resource: fn.Key(), Content: "log /aws/lambda/order-fn: AccessDeniedException: not authorized to perform dynamodb:PutItem", Confidence: 0.9},
			{Resource: fn.Key(), Content: "function order-fn reported 12 Errors in the last 1h0m0s", Confidence: 0.9},
		},
	}
}

func computeContext() model.SpecialistContext {
	return model.SpecialistContext{
		Specialist: model.SpecialistCompute,
		Resources:  []model.ResourceDescriptor{fn},
		Shared:     &model.InvestigationContext{Region: "us-east-1", Errors: []string{"500 on POST /orders"}},
	}
}

func TestInvokeOfflineProducesAggregatableOutput(t *testing.T) {
	s := New(&fakeCollector{obs: computeObservations()}, nil, nil)

	out, err := s.Invoke(context.Background(), computeContext())
	require.NoError(t, err)

	task := &model.SpecialistTask{Specialist: model.SpecialistCompute, State: model.TaskSucceeded, Output: out}
	res := aggregate.Aggregate([]*model.SpecialistTask{task})

	require.Len(t, res.Facts, 3)
	assert.Equal(t, "compute#1", res.Facts[1].ID)
	assert.Equal(t, fn.Key(), res.Facts[1].Metadata["resource"])

	byType := map[string]model.Hypothesis{}
	for _, h := range res.Hypotheses {
		byType[h.Type] = h
	}
	require.Contains(t, byType, "iam_permission")
	assert.Equal(t, []string{"compute#1"}, byType["iam_permission"].Evidence)
	require.Contains(t, byType, "resource_unhealthy")
	assert.Equal(t, []string{"compute#2"}, byType["resource_unhealthy"].Evidence)
	assert.NotEmpty(t, res.Advice)

	h, ok := aggregate.ParseHandoff(out)
	require.True(t, ok)
	assert.Equal(t, "iam", h.To)
}

func TestInvokeOfflineNoHandoffToSelf(t *testing.T) {
	obs := map[string][]aws.Observation{
		role.Key(): {{Resource: role.Key(), Content: "role order-fn-role has no permissions policies attached", Confidence: 0.9}},
	}
	s := New(&fakeCollector{obs: obs}, nil, nil)

	out, err := s.Invoke(context.Background(), model.SpecialistContext{
		Specialist: model.SpecialistIAM,
		Resources:  []model.ResourceDescriptor{role},
	})
	require.NoError(t, err)

	_, ok := aggregate.ParseHandoff(out)
	assert.False(t, ok)
}

func TestInvokeAccessDeniedIsNotTheIncident(t *testing.T) {
	obs := map[string][]aws.Observation{
		fn.Key(): {{Resource: fn.Key(), Content: "lambda:GetFunctionConfiguration denied: not authorized", Confidence: 0.8, Signal: aws.SignalAccessDenied}},
	}
	s := New(&fakeCollector{obs: obs}, nil, nil)

	out, err := s.Invoke(context.Background(), computeContext())
	require.NoError(t, err)

	res := aggregate.Aggregate([]*model.SpecialistTask{{Specialist: model.SpecialistCompute, State: model.TaskSucceeded, Output: out}})
	require.Len(t, res.Hypotheses, 1)
	assert.Equal(t, "insufficient_investigation_access", res.Hypotheses[0].Type)
	assert.Equal(t, "access_denied", res.Facts[0].Metadata["signal"])
}

func TestInvokeWithModel(t *testing.T) {
	asker := &fakeAsker{answer: "analysis"}
	sc := computeContext()
	sc.Prior = []string{"apigateway: 5XX errors on stage prod"}
	sc.Hints = []model.TopologyHint{{RunID: "run-1", Similarity: 0.5, RootCauseType: "iam_permission", Confidence: 0.8}}

	out, err := New(&fakeCollector{obs: computeObservations()}, asker, nil).Invoke(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "analysis", out)

	assert.Contains(t, asker.prompt, "You are the compute specialist")
	assert.Contains(t, asker.prompt, "1: log /aws/lambda/order-fn: AccessDeniedException")
	assert.Contains(t, asker.prompt, "500 on POST /orders")
	assert.Contains(t, asker.prompt, "apigateway: 5XX errors on stage prod")
	assert.Contains(t, asker.prompt, "run run-1 (similarity 0.50) concluded iam_permission")
}

func TestInvokeModelFailureFallsBackToRules(t *testing.T) {
	asker := &fakeAsker{err: errors.New("status 503")}

	out, err := New(&fakeCollector{obs: computeObservations()}, asker, nil).Invoke(context.Background(), computeContext())
	require.NoError(t, err)
	assert.Contains(t, out, "reasoning model unavailable: status 503")
	assert.Contains(t, out, `"kind": "warning"`)
	assert.Contains(t, out, "iam_permission")
}

func TestInvokeCollectsEveryResource(t *testing.T) {
	col := &fakeCollector{obs: computeObservations()}
	sc := computeContext()
	sc.Resources = append(sc.Resources, role)

	_, err := New(col, nil, nil).Invoke(context.Background(), sc)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{fn.Key(), role.Key()}, col.seen)
}

func TestInvokeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(&fakeCollector{obs: computeObservations()}, nil, nil).Invoke(ctx, computeContext())
	require.ErrorIs(t, err, context.Canceled)
}

func TestOfflineHintsBecomeLowConfidenceFacts(t *testing.T) {
	sc := computeContext()
	sc.Hints = []model.TopologyHint{{RunID: "run-7", Similarity: 0.6, RootCauseType: "timeout"}}

	out := renderOffline(sc, nil, "")
	res := aggregate.Aggregate([]*model.SpecialistTask{{Specialist: model.SpecialistCompute, State: model.TaskSucceeded, Output: out}})

	require.Len(t, res.Facts, 1)
	assert.True(t, strings.Contains(res.Facts[0].Content, "concluded timeout"))
	assert.InDelta(t, 0.3, res.Facts[0].Confidence, 1e-9)
	assert.Empty(t, res.Hypotheses)
}

func TestReasonerPrompts(t *testing.T) {
	asker := &fakeAsker{answer: "{}"}
	r := NewReasoner(asker)
	facts := []model.Fact{{ID: "compute#0", Content: "function order-fn is in state Failed"}}

	_, err := r.GenerateHypotheses(context.Background(), facts)
	require.NoError(t, err)
	assert.Contains(t, asker.prompt, "0 [compute#0] function order-fn is in state Failed")

	_, err = r.AnalyzeRootCause(context.Background(), []model.Hypothesis{{Type: "timeout", Description: "slow"}}, facts)
	require.NoError(t, err)
	assert.Contains(t, asker.prompt, `"root_cause"`)

	asker.err = errors.New("down")
	_, err = r.GenerateHypotheses(context.Background(), facts)
	require.Error(t, err)
}
