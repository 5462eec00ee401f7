// Package model defines shared data structures used across the investigation engine.
package model

import (
	"sort"
	"time"
)

// Origin records how a resource entered the investigation.
type Origin string

const (
	OriginExplicit     Origin = "explicit"
	OriginTraceDerived Origin = "trace-derived"
)

// SpecialistType names one resource domain specialist.
type SpecialistType string

const (
	SpecialistCompute    SpecialistType = "compute"
	SpecialistAPIGateway SpecialistType = "apigateway"
	SpecialistWorkflow   SpecialistType = "workflow"
	SpecialistIAM        SpecialistType = "iam"
	SpecialistStorage    SpecialistType = "storage"
	SpecialistMessaging  SpecialistType = "messaging"
)

// SpecialistOrder is the fixed order used whenever specialists are listed,
// so outputs never depend on completion order.
var SpecialistOrder = []SpecialistType{
	SpecialistCompute,
	SpecialistAPIGateway,
	SpecialistWorkflow,
	SpecialistIAM,
	SpecialistStorage,
	SpecialistMessaging,
}

// SpecialistRank returns the position of t in SpecialistOrder, or len(SpecialistOrder)
// for types outside the table.
func SpecialistRank(t SpecialistType) int {
	for i, s := range SpecialistOrder {
		if s == t {
			return i
		}
	}
	return len(SpecialistOrder)
}

// ParseSpecialistType maps a free-form name onto a known specialist.
func ParseSpecialistType(name string) (SpecialistType, bool) {
	for _, s := range SpecialistOrder {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskTimedOut
}

type FailureKind string

const (
	FailureError     FailureKind = "error"
	FailurePanic     FailureKind = "panic"
	FailureTimeout   FailureKind = "timeout"
	FailureCancelled FailureKind = "cancelled"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusDegraded  Status = "degraded"
	StatusFailed    Status = "failed"
)

type Mode string

const (
	ModeParallel Mode = "parallel"
	ModeHandoff  Mode = "handoff"
)

// Target is an explicitly requested resource before normalization.
type Target struct {
	Type       string            `json:"type,omitempty" yaml:"type,omitempty"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Identifier string            `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Region     string            `json:"region,omitempty" yaml:"region,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// InvestigationRequest is the normalized input of one run. It is built once
// and never modified afterwards.
type InvestigationRequest struct {
	Targets          []Target `json:"targets,omitempty"`
	TraceIDs         []string `json:"trace_ids,omitempty"`
	Errors           []string `json:"errors,omitempty"`
	Region           string   `json:"region"`
	CrossAccountRole string   `json:"cross_account_role,omitempty"`
	ExternalID       string   `json:"-"`
}

type ResourceDescriptor struct {
	Type       string            `json:"type" yaml:"type"`
	Name       string            `json:"name" yaml:"name"`
	Identifier string            `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Region     string            `json:"region,omitempty" yaml:"region,omitempty"`
	Origin     Origin            `json:"origin" yaml:"origin"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Key is the deduplication key: the provider identifier when known,
// otherwise type and name.
func (r ResourceDescriptor) Key() string {
	if r.Identifier != "" {
		return r.Identifier
	}
	return r.Type + "/" + r.Name
}

// SortResources orders resources by key.
func SortResources(rs []ResourceDescriptor) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Key() < rs[j].Key() })
}

// GraphNode is one resource reference found in a trace.
type GraphNode struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Identifier string            `json:"identifier,omitempty"`
	Region     string            `json:"region,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ServiceGraph is the read-only result of a trace lookup.
type ServiceGraph struct {
	TraceID string      `json:"trace_id"`
	Nodes   []GraphNode `json:"nodes"`
}

// TopologyHint is a prior-run summary offered to specialists.
type TopologyHint struct {
	RunID         string    `json:"run_id" yaml:"run_id"`
	Similarity    float64   `json:"similarity" yaml:"similarity"`
	RootCauseType string    `json:"root_cause_type" yaml:"root_cause_type"`
	Confidence    float64   `json:"confidence" yaml:"confidence"`
	Resources     []string  `json:"resources" yaml:"resources"`
	RecordedAt    time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// InvestigationContext is the read-only context shared by every component of
// a run. It is built before any specialist starts and never mutated.
type InvestigationContext struct {
	RunID            string    `json:"run_id"`
	Region           string    `json:"region"`
	AccountID        string    `json:"account_id,omitempty"`
	CrossAccountRole string    `json:"cross_account_role,omitempty"`
	TraceIDs         []string  `json:"trace_ids,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}

// SpecialistContext is the merged input handed to one specialist.
type SpecialistContext struct {
	Specialist SpecialistType        `json:"specialist"`
	Resources  []ResourceDescriptor  `json:"resources"`
	Shared     *InvestigationContext `json:"shared"`
	Hints      []TopologyHint        `json:"hints,omitempty"`
	// Prior holds findings from earlier hand-off units, newest last.
	Prior []string `json:"prior,omitempty"`
}

type TaskFailure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// SpecialistTask is the single unit of work for one specialist type.
// Only the goroutine executing the task writes to it while it runs.
type SpecialistTask struct {
	Specialist SpecialistType    `json:"specialist"`
	Context    SpecialistContext `json:"-"`
	State      TaskState         `json:"state"`
	Output     string            `json:"-"`
	Failure    *TaskFailure      `json:"failure,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// SortTasks orders tasks by SpecialistOrder.
func SortTasks(tasks []*SpecialistTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return SpecialistRank(tasks[i].Specialist) < SpecialistRank(tasks[j].Specialist)
	})
}

// Fact metadata keys and kinds.
const (
	MetaKind        = "kind"
	MetaFailure     = "failure"
	MetaHint        = "hint"
	KindWarning     = "warning"
	KindError       = "error"
	KindObservation = "observation"
)

type Fact struct {
	ID         string            `json:"id" yaml:"id"`
	Source     string            `json:"source" yaml:"source"`
	Content    string            `json:"content" yaml:"content"`
	Confidence float64           `json:"confidence" yaml:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	ObservedAt time.Time         `json:"observed_at" yaml:"observed_at"`
}

// Synthetic reports whether the fact was produced by a warning or failure
// path rather than observed by a specialist.
func (f Fact) Synthetic() bool {
	k := f.Metadata[MetaKind]
	return k == KindWarning || k == KindError
}

// Hint reports whether the fact restates a past investigation.
func (f Fact) Hint() bool {
	return f.Metadata[MetaHint] != ""
}

const HypothesisInsufficientData = "insufficient_data"

type Hypothesis struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description" yaml:"description"`
	Confidence  float64  `json:"confidence" yaml:"confidence"`
	Evidence    []string `json:"evidence" yaml:"evidence"`
	Source      string   `json:"source,omitempty" yaml:"source,omitempty"`
}

type Advice struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    string `json:"priority,omitempty" yaml:"priority,omitempty"`
	Source      string `json:"source,omitempty" yaml:"source,omitempty"`
}

type RootCauseAnalysis struct {
	Primary             *Hypothesis  `json:"primary_hypothesis" yaml:"primary_hypothesis"`
	ContributingFactors []Hypothesis `json:"contributing_factors" yaml:"contributing_factors"`
	Confidence          float64      `json:"confidence" yaml:"confidence"`
	Summary             string       `json:"analysis_summary" yaml:"analysis_summary"`
}

type HandoffRecord struct {
	From      string    `json:"from_unit" yaml:"from_unit"`
	To        string    `json:"to_unit" yaml:"to_unit"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Reason    string    `json:"reason" yaml:"reason"`
}

type TimelineEvent struct {
	Time      time.Time `json:"time" yaml:"time"`
	Component string    `json:"component" yaml:"component"`
	Kind      string    `json:"kind" yaml:"kind"`
	Message   string    `json:"message" yaml:"message"`
}

// TaskSummary is the report view of a SpecialistTask.
type TaskSummary struct {
	Specialist SpecialistType `json:"specialist" yaml:"specialist"`
	State      TaskState      `json:"state" yaml:"state"`
	Resources  []string       `json:"resources" yaml:"resources"`
	Failure    *TaskFailure   `json:"failure,omitempty" yaml:"failure,omitempty"`
	Duration   time.Duration  `json:"duration" yaml:"duration"`
}

type InvestigationReport struct {
	RunID             string                 `json:"run_id" yaml:"run_id"`
	Status            Status                 `json:"status" yaml:"status"`
	Mode              Mode                   `json:"mode" yaml:"mode"`
	Region            string                 `json:"region" yaml:"region"`
	StartedAt         time.Time              `json:"started_at" yaml:"started_at"`
	FinishedAt        time.Time              `json:"finished_at" yaml:"finished_at"`
	AffectedResources []ResourceDescriptor   `json:"affected_resources" yaml:"affected_resources"`
	Tasks             []TaskSummary          `json:"tasks" yaml:"tasks"`
	Facts             []Fact                 `json:"facts" yaml:"facts"`
	Hypotheses        []Hypothesis           `json:"hypotheses" yaml:"hypotheses"`
	RootCause         RootCauseAnalysis      `json:"root_cause" yaml:"root_cause"`
	Advice            []Advice               `json:"advice" yaml:"advice"`
	Handoffs          []HandoffRecord        `json:"handoffs,omitempty" yaml:"handoffs,omitempty"`
	Timeline          []TimelineEvent        `json:"timeline" yaml:"timeline"`
	Termination       *GovernorLimitExceeded `json:"termination,omitempty" yaml:"termination,omitempty"`
	Hints             []TopologyHint         `json:"hints,omitempty" yaml:"hints,omitempty"`
}
