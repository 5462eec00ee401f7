package governor

import (
	"slices"
)

// Kind is one node of the hand-off state machine.
type Kind string

const (
	KindTraceAnalysis        Kind = "trace_analysis"
	KindServiceAnalysis      Kind = "service_analysis"
	KindHypothesisGeneration Kind = "hypothesis_generation"
	KindRootCauseAnalysis    Kind = "root_cause_analysis"
	KindTerminated           Kind = "terminated"
)

// State is a Kind plus, for service analysis, the service being analyzed.
type State struct {
	Kind    Kind
	Service string
}

func TraceAnalysis() State { return State{Kind: KindTraceAnalysis} }
func ServiceAnalysis(s string) State { return State{Kind: KindServiceAnalysis, Service: s} }
func HypothesisGeneration() State { return State{Kind: KindHypothesisGeneration} }
func RootCauseAnalysis() State { return State{Kind: KindRootCauseAnalysis} }
func Terminated() State { return State{Kind: KindTerminated} }

// String is the state key used in hand-off records and iteration counts.
func (s State) String() string {
	if s.Kind == KindServiceAnalysis {
		return string(s.Kind) + ":" + s.Service
	}
	return string(s.Kind)
}

// mandatory is the successor a state falls back to when its unit fails or
// proposes an illegal hand-off.
func mandatory(s State) State {
	switch s.Kind {
	case KindTraceAnalysis, KindServiceAnalysis:
		return HypothesisGeneration()
	case KindHypothesisGeneration:
		return RootCauseAnalysis()
	default:
		return Terminated()
	}
}

// legal reports whether from -> to is an allowed transition given the set
// of services that may be analyzed.
func legal(from, to State, services []string) bool {
	switch from.Kind {
	case KindTraceAnalysis:
		switch to.Kind {
		case KindHypothesisGeneration:
			return true
		case KindServiceAnalysis:
			return slices.Contains(services, to.Service)
		}
	case KindServiceAnalysis:
		switch to.Kind {
		case KindHypothesisGeneration:
			return true
		case KindServiceAnalysis:
			return to.Service != from.Service && slices.Contains(services, to.Service)
		}
	case KindHypothesisGeneration:
		return to.Kind == KindRootCauseAnalysis
	case KindRootCauseAnalysis:
		return to.Kind == KindTerminated
	}
	return false
}
