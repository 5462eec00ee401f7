package specialist

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/aws"
)

const answerFormat = "```json\n" + `{
  "facts": [{"content": "what you observed", "confidence": 0.0-1.0}],
  "hypotheses": [{"type": "snake_case_category", "description": "...", "confidence": 0.0-1.0, "evidence": [0, 2]}],
  "advice": [{"title": "...", "description": "...", "priority": "high|medium|low"}],
  "handoff": {"to": "specialist name", "reason": "..."}
}` + "\n```"

// specialistPrompt asks the model to analyze one specialist's observations.
func specialistPrompt(sc model.SpecialistContext, obs []aws.Observation) string {
	return fmt.Sprintf(`You are the %s specialist of a cloud incident investigation. Analyze the READ-ONLY observations below and explain what they reveal about the failure.

Investigation:
- Region: %s
- Reported errors: %s
- Trace ids: %s

Resources assigned to you:
%s
Observations (index: content):
%s
Findings of earlier specialists:
%s
Similar past investigations:
%s
Rules:
1. Only state facts that the observations support. Never invent resource names, metrics or log lines.
2. Every hypothesis must cite the indexes of the facts in YOUR facts list that support it.
3. Failed API calls marked with a signal describe what the investigation could not see, not necessarily the incident cause.
4. Use "handoff" only when another specialist (%s) should look next; omit it otherwise.

Respond with a short explanation followed by exactly one JSON block in this format:
%s`,
		sc.Specialist,
		sharedField(sc, func(s *model.InvestigationContext) string { return s.Region }),
		sharedField(sc, func(s *model.InvestigationContext) string { return strings.Join(s.Errors, "; ") }),
		sharedField(sc, func(s *model.InvestigationContext) string { return strings.Join(s.TraceIDs, ", ") }),
		listResources(sc.Resources),
		listObservations(obs),
		listOrNone(sc.Prior),
		listHints(sc.Hints),
		specialistNames(),
		answerFormat,
	)
}

// hypothesisPrompt asks the model to propose hypotheses from all facts.
func hypothesisPrompt(facts []model.Fact) string {
	return fmt.Sprintf(`You are the lead investigator of a cloud incident. The specialists gathered the facts below but proposed no hypotheses.

Facts (index [id] content):
%s
Propose the most likely root-cause hypotheses. Each hypothesis must cite the indexes or ids of the facts that support it; a hypothesis without evidence will be discarded.

Respond with exactly one JSON block:
`+"```json\n"+`{"hypotheses": [{"type": "snake_case_category", "description": "...", "confidence": 0.0-1.0, "evidence": [0]}]}`+"\n```",
		listFacts(facts))
}

// rootCausePrompt asks the model to pick a root cause among hypotheses
// that lack usable evidence.
func rootCausePrompt(hyps []model.Hypothesis, facts []model.Fact) string {
	data, _ := json.MarshalIndent(hyps, "", "  ")
	return fmt.Sprintf(`You are the lead investigator of a cloud incident. None of these hypotheses cites usable evidence:

%s

Facts (index [id] content):
%s
Determine the single most likely root cause and cite the supporting facts by index or id. If the facts do not support any cause, answer with an empty list.

Respond with exactly one JSON block:
`+"```json\n"+`{"root_cause": [{"type": "snake_case_category", "description": "...", "confidence": 0.0-1.0, "evidence": [0]}]}`+"\n```",
		string(data), listFacts(facts))
}

func sharedField(sc model.SpecialistContext, get func(*model.InvestigationContext) string) string {
	if sc.Shared == nil {
		return "(unknown)"
	}
	if v := get(sc.Shared); v != "" {
		return v
	}
	return "(none)"
}

func listResources(rs []model.ResourceDescriptor) string {
	var b strings.Builder
	for _, r := range rs {
		fmt.Fprintf(&b, "- %s %s", r.Type, r.Name)
		if r.Identifier != "" {
			fmt.Fprintf(&b, " (%s)", r.Identifier)
		}
		fmt.Fprintf(&b, " [%s]\n", r.Origin)
	}
	return b.String()
}

func listObservations(obs []aws.Observation) string {
	if len(obs) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for i, o := range obs {
		fmt.Fprintf(&b, "%d: %s", i, o.Content)
		if o.Signal != aws.SignalOK {
			fmt.Fprintf(&b, " [signal: %s]", o.Signal)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func listFacts(facts []model.Fact) string {
	var b strings.Builder
	for i, f := range facts {
		fmt.Fprintf(&b, "%d [%s] %s\n", i, f.ID, f.Content)
	}
	return b.String()
}

func listHints(hints []model.TopologyHint) string {
	if len(hints) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for _, h := range hints {
		fmt.Fprintf(&b, "- run %s (similarity %.2f) concluded %s with confidence %.2f\n",
			h.RunID, h.Similarity, h.RootCauseType, h.Confidence)
	}
	return b.String()
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)\n"
	}
	return "- " + strings.Join(items, "\n- ") + "\n"
}

func specialistNames() string {
	names := make([]string, 0, len(model.SpecialistOrder))
	for _, s := range model.SpecialistOrder {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
