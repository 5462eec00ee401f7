// Package router maps discovered resources onto specialist tasks.
package router

import (
	"fmt"
	"time"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// Specialist describes one domain specialist and the resource types it owns.
type Specialist struct {
	Type          model.SpecialistType
	ResourceTypes []string
	Description   string
}

var (
	SpecialistCompute = Specialist{
		Type:          model.SpecialistCompute,
		ResourceTypes: []string{model.ResourceLambdaFunction, model.ResourceEC2Instance, model.ResourceECSService},
		Description:   "functions, instances and container services",
	}
	SpecialistAPIGateway = Specialist{
		Type:          model.SpecialistAPIGateway,
		ResourceTypes: []string{model.ResourceAPIGatewayRestAPI, model.ResourceAPIGatewayStage},
		Description:   "REST APIs and their stages",
	}
	SpecialistWorkflow = Specialist{
		Type:          model.SpecialistWorkflow,
		ResourceTypes: []string{model.ResourceStateMachine, model.ResourceStateExecution},
		Description:   "state machines and their executions",
	}
	SpecialistIAM = Specialist{
		Type:          model.SpecialistIAM,
		ResourceTypes: []string{model.ResourceIAMRole, model.ResourceIAMPolicy},
		Description:   "roles and policies",
	}
	SpecialistStorage = Specialist{
		Type:          model.SpecialistStorage,
		ResourceTypes: []string{model.ResourceS3Bucket, model.ResourceRDSInstance},
		Description:   "buckets and database instances",
	}
	SpecialistMessaging = Specialist{
		Type:          model.SpecialistMessaging,
		ResourceTypes: []string{model.ResourceSQSQueue, model.ResourceSNSTopic},
		Description:   "queues and topics",
	}
)

// Specialists lists every specialist in model.SpecialistOrder.
var Specialists = []Specialist{
	SpecialistCompute,
	SpecialistAPIGateway,
	SpecialistWorkflow,
	SpecialistIAM,
	SpecialistStorage,
	SpecialistMessaging,
}

var byResourceType = func() map[string]model.SpecialistType {
	m := make(map[string]model.SpecialistType)
	for _, s := range Specialists {
		for _, rt := range s.ResourceTypes {
			if _, dup := m[rt]; dup {
				panic(fmt.Sprintf("resource type %s mapped twice", rt))
			}
			m[rt] = s.Type
		}
	}
	return m
}()

// SpecialistFor returns the specialist owning resourceType.
func SpecialistFor(resourceType string) (model.SpecialistType, bool) {
	t, ok := byResourceType[resourceType]
	return t, ok
}

// Result is the fixed task set of a run plus what could not be routed.
type Result struct {
	Tasks    []*model.SpecialistTask
	Dropped  []model.ResourceDescriptor
	Warnings []model.Fact
}

// Route builds at most one pending task per specialist type. The result
// depends only on the set of resources, never on their order.
func Route(resources []model.ResourceDescriptor, shared *model.InvestigationContext) Result {
	sorted := make([]model.ResourceDescriptor, len(resources))
	copy(sorted, resources)
	model.SortResources(sorted)

	grouped := make(map[model.SpecialistType][]model.ResourceDescriptor)
	var res Result
	for _, rd := range sorted {
		st, ok := SpecialistFor(rd.Type)
		if !ok {
			res.Dropped = append(res.Dropped, rd)
			continue
		}
		grouped[st] = append(grouped[st], rd)
	}

	for _, st := range model.SpecialistOrder {
		rs, ok := grouped[st]
		if !ok {
			continue
		}
		res.Tasks = append(res.Tasks, &model.SpecialistTask{
			Specialist: st,
			Context: model.SpecialistContext{
				Specialist: st,
				Resources:  rs,
				Shared:     shared,
			},
			State: model.TaskPending,
		})
	}

	var observedAt time.Time
	if shared != nil {
		observedAt = shared.StartedAt
	}
	for i, rd := range res.Dropped {
		res.Warnings = append(res.Warnings, model.Fact{
			ID:         fmt.Sprintf("router#%d", i),
			Source:     "router",
			Content:    fmt.Sprintf("resource %s of type %s has no specialist and was not investigated", rd.Key(), rd.Type),
			Confidence: 1,
			Metadata:   map[string]string{model.MetaKind: model.KindWarning, "resource": rd.Key()},
			ObservedAt: observedAt,
		})
	}
	return res
}
