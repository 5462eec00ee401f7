package router

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

func res(typ, name string) model.ResourceDescriptor {
	return model.ResourceDescriptor{Type: typ, Name: name, Origin: model.OriginExplicit}
}

func shared() *model.InvestigationContext {
	return &model.InvestigationContext{RunID: "run-1", Region: "us-east-1", StartedAt: time.Unix(1700000000, 0)}
}

func TestRouteMergesSameTypeIntoOneTask(t *testing.T) {
	result := Route([]model.ResourceDescriptor{
		res(model.ResourceLambdaFunction, "checkout"),
		res(model.ResourceLambdaFunction, "billing"),
	}, shared())

	require.Len(t, result.Tasks, 1)
	task := result.Tasks[0]
	assert.Equal(t, model.SpecialistCompute, task.Specialist)
	assert.Equal(t, model.TaskPending, task.State)
	require.Len(t, task.Context.Resources, 2)
	assert.Equal(t, "billing", task.Context.Resources[0].Name)
	assert.Equal(t, "checkout", task.Context.Resources[1].Name)
	assert.Equal(t, "run-1", task.Context.Shared.RunID)
}

func TestRouteOneTaskPerSpecialist(t *testing.T) {
	result := Route([]model.ResourceDescriptor{
		res(model.ResourceLambdaFunction, "checkout"),
		res(model.ResourceECSService, "prod/web"),
		res(model.ResourceSQSQueue, "orders"),
		res(model.ResourceSNSTopic, "alerts"),
		res(model.ResourceIAMRole, "exec"),
		res(model.ResourceStateMachine, "fulfil"),
	}, shared())

	seen := map[model.SpecialistType]int{}
	var order []model.SpecialistType
	for _, task := range result.Tasks {
		seen[task.Specialist]++
		order = append(order, task.Specialist)
	}
	for st, n := range seen {
		assert.Equalf(t, 1, n, "specialist %s has %d tasks", st, n)
	}
	assert.Equal(t, []model.SpecialistType{
		model.SpecialistCompute,
		model.SpecialistWorkflow,
		model.SpecialistIAM,
		model.SpecialistMessaging,
	}, order)
}

func TestRouteDropsUnknownTypesWithWarning(t *testing.T) {
	result := Route([]model.ResourceDescriptor{
		res(model.UnknownResourceType("AWS::DynamoDB::Table"), "ledger"),
		res(model.ResourceS3Bucket, "invoices"),
	}, shared())

	require.Len(t, result.Tasks, 1)
	require.Len(t, result.Dropped, 1)
	require.Len(t, result.Warnings, 1)

	w := result.Warnings[0]
	assert.Equal(t, "router", w.Source)
	assert.Equal(t, model.KindWarning, w.Metadata[model.MetaKind])
	assert.True(t, w.Synthetic())
	assert.Contains(t, w.Content, "ledger")
	assert.Equal(t, shared().StartedAt, w.ObservedAt)
}

func TestRouteIsDeterministicAndOrderIndependent(t *testing.T) {
	resources := []model.ResourceDescriptor{
		res(model.ResourceLambdaFunction, "a"),
		res(model.ResourceLambdaFunction, "b"),
		res(model.ResourceEC2Instance, "i-1"),
		res(model.ResourceAPIGatewayStage, "api/prod"),
		res(model.ResourceRDSInstance, "db"),
		res(model.ResourceS3Bucket, "bucket"),
		res(model.ResourceSNSTopic, "t"),
		res("unknown:thing", "x"),
	}
	want := Route(resources, shared())

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := make([]model.ResourceDescriptor, len(resources))
		copy(shuffled, resources)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := Route(shuffled, shared())
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("route changed with input order (-want +got):\n%s", diff)
		}
	}
}

func TestRouteEmpty(t *testing.T) {
	result := Route(nil, nil)
	assert.Empty(t, result.Tasks)
	assert.Empty(t, result.Warnings)
}

func TestEveryResourceTypeHasOneSpecialist(t *testing.T) {
	for _, s := range Specialists {
		for _, rt := range s.ResourceTypes {
			got, ok := SpecialistFor(rt)
			require.True(t, ok, rt)
			assert.Equal(t, s.Type, got)
		}
	}
	assert.Len(t, Specialists, len(model.SpecialistOrder))
}
