package specialist

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/aws"
)

type factJSON struct {
	Content    string            `json:"content"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type hypothesisJSON struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Evidence    []int   `json:"evidence"`
}

type adviceJSON struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type handoffJSON struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
}

type answerJSON struct {
	Facts      []factJSON       `json:"facts"`
	Hypotheses []hypothesisJSON `json:"hypotheses,omitempty"`
	Advice     []adviceJSON     `json:"advice,omitempty"`
	Handoff    *handoffJSON     `json:"handoff,omitempty"`
}

// hintConfidenceScale discounts prior-run hints against live observations.
const hintConfidenceScale = 0.5

// renderOffline produces the structured answer the aggregator reads, using
// the observation rules instead of a model. note, when set, is recorded as
// an extra warning fact.
func renderOffline(sc model.SpecialistContext, obs []aws.Observation, note string) string {
	ans := answerJSON{Facts: []factJSON{}}
	for _, o := range obs {
		meta := map[string]string{"resource": o.Resource}
		if o.Operation != "" {
			meta["operation"] = o.Operation
		}
		if o.Signal != aws.SignalOK {
			meta["signal"] = string(o.Signal)
		}
		ans.Facts = append(ans.Facts, factJSON{Content: o.Content, Confidence: o.Confidence, Metadata: meta})
	}

	support := matchRules(obs)
	idx := make([]int, 0, len(support))
	for r := range support {
		idx = append(idx, r)
	}
	sort.Ints(idx)
	for _, r := range idx {
		rl, evidence := rules[r], support[r]
		ans.Hypotheses = append(ans.Hypotheses, hypothesisJSON{
			Type:        rl.hypothesis,
			Description: fmt.Sprintf("%s: %s", rl.description, obs[evidence[0]].Content),
			Confidence:  rl.confidence,
			Evidence:    evidence,
		})
		ans.Advice = append(ans.Advice, adviceJSON{Title: rl.advice, Priority: rl.priority})
		if ans.Handoff == nil && rl.handoff != "" && rl.handoff != sc.Specialist {
			ans.Handoff = &handoffJSON{To: string(rl.handoff), Reason: rl.description}
		}
	}

	for _, h := range sc.Hints {
		ans.Facts = append(ans.Facts, factJSON{
			Content: fmt.Sprintf("a similar past investigation (%s, similarity %.2f) concluded %s",
				h.RunID, h.Similarity, h.RootCauseType),
			Confidence: h.Similarity * hintConfidenceScale,
			Metadata:   map[string]string{model.MetaHint: h.RunID},
		})
	}
	if note != "" {
		ans.Facts = append(ans.Facts, factJSON{Content: note, Confidence: 1, Metadata: map[string]string{model.MetaKind: model.KindWarning}})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The %s specialist examined %d resource(s) and gathered %d observation(s).\n\n",
		sc.Specialist, len(sc.Resources), len(obs))
	data, _ := json.MarshalIndent(ans, "", "  ")
	b.WriteString("```json\n")
	b.Write(data)
	b.WriteString("\n```\n")
	return b.String()
}
