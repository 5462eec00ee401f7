package specialist

import (
	"strings"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/aws"
)

// rule derives one hypothesis type from matching observations.
type rule struct {
	hypothesis  string
	confidence  float64
	description string
	advice      string
	priority    string
	// handoff names the specialist best placed to continue.
	handoff model.SpecialistType
	match   func(o aws.Observation) bool
}

// rules are tried in order; an observation supports the first rule it
// matches.
var rules = []rule{
	{
		hypothesis:  "insufficient_investigation_access",
		confidence:  0.3,
		description: "The investigation role could not read some resources",
		advice:      "Grant the investigation role read-only access to the denied APIs and rerun",
		priority:    "low",
		match:       func(o aws.Observation) bool { return o.Signal == aws.SignalAccessDenied },
	},
	{
		hypothesis:  "missing_resource",
		confidence:  0.6,
		description: "A resource on the request path does not exist",
		advice:      "Check that the resource was not deleted or renamed and that callers reference the right region",
		priority:    "high",
		match:       func(o aws.Observation) bool { return o.Signal == aws.SignalNotFound },
	},
	{
		hypothesis:  "iam_permission",
		confidence:  0.75,
		description: "A workload is denied a permission it needs",
		advice:      "Add the denied action to the execution role's policy, scoped to the target resource",
		priority:    "high",
		handoff:     model.SpecialistIAM,
		match: contentMatch("accessdenied", "access denied", "not authorized", "is not authorized",
			"no permissions policies", "forbidden"),
	},
	{
		hypothesis:  "throttling",
		confidence:  0.65,
		description: "Requests are being throttled",
		advice:      "Raise the concurrency or rate limit, or add retries with backoff on the caller",
		priority:    "medium",
		match: func(o aws.Observation) bool {
			return o.Signal == aws.SignalThrottled || contentMatch("throttles", "rate exceeded", "toomanyrequests")(o)
		},
	},
	{
		hypothesis:  "timeout",
		confidence:  0.7,
		description: "Work is exceeding its time limit",
		advice:      "Increase the timeout or find the slow downstream dependency",
		priority:    "high",
		match:       contentMatch("task timed out", "timed_out", "timed out"),
	},
	{
		hypothesis:  "message_backlog",
		confidence:  0.5,
		description: "Messages are accumulating faster than they are consumed",
		advice:      "Check the consumer of the queue and its dead-letter queue",
		priority:    "medium",
		handoff:     model.SpecialistCompute,
		match: func(o aws.Observation) bool {
			return o.Signal == aws.SignalOK && o.Confidence > 0.5 && strings.Contains(o.Content, " visible and ")
		},
	},
	{
		hypothesis:  "resource_unhealthy",
		confidence:  0.6,
		description: "A resource is in an unhealthy state",
		advice:      "Inspect the reported state and recent changes to the resource",
		priority:    "medium",
		match:       aws.Observation.Anomalous,
	},
}

func contentMatch(needles ...string) func(aws.Observation) bool {
	return func(o aws.Observation) bool {
		if o.Signal != aws.SignalOK {
			return false
		}
		lower := strings.ToLower(o.Content)
		for _, n := range needles {
			if strings.Contains(lower, n) {
				return true
			}
		}
		return false
	}
}

// matchRules returns, per rule index, the indexes of observations that
// support it.
func matchRules(obs []aws.Observation) map[int][]int {
	support := map[int][]int{}
	for i, o := range obs {
		for r, rl := range rules {
			if rl.match(o) {
				support[r] = append(support[r], i)
				break
			}
		}
	}
	return support
}
