package aggregate

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// nearDuplicateSimilarity is the token Jaccard similarity above which two
// hypotheses of the same type are merged.
const nearDuplicateSimilarity = 0.8

// MergeHypotheses collapses near-duplicate hypotheses. The merged entry
// keeps the position of the first occurrence and takes the description,
// confidence, source and evidence of the more confident of the two.
func MergeHypotheses(hyps []model.Hypothesis) []model.Hypothesis {
	var out []model.Hypothesis
	tokens := make([]map[string]struct{}, 0, len(hyps))
	for _, h := range hyps {
		ht := tokenSet(h.Description)
		merged := false
		for i := range out {
			if out[i].Type != h.Type {
				continue
			}
			if normalizeText(out[i].Description) != normalizeText(h.Description) &&
				jaccard(tokens[i], ht) < nearDuplicateSimilarity {
				continue
			}
			out[i] = mergePair(out[i], h)
			tokens[i] = tokenSet(out[i].Description)
			merged = true
			break
		}
		if !merged {
			h.Evidence = append([]string(nil), h.Evidence...)
			out = append(out, h)
			tokens = append(tokens, ht)
		}
	}
	return out
}

func mergePair(kept, dup model.Hypothesis) model.Hypothesis {
	if dup.Confidence > kept.Confidence {
		kept.Description = dup.Description
		kept.Confidence = dup.Confidence
		kept.Source = dup.Source
		kept.Evidence = append([]string(nil), dup.Evidence...)
	}
	return kept
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func tokenSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = struct{}{}
	}
	return set
}

// jaccard returns |a∩b| / |a∪b| of two token sets; two empty sets are identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// Handoff is a cross-service nomination found in specialist output.
type Handoff struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// ParseHandoff returns the first well-formed handoff nomination in text.
func ParseHandoff(text string) (Handoff, bool) {
	blocks, _ := ExtractBlocks("handoff", text)
	for _, b := range blocks {
		raw, ok := b.Fields[keyHandoff]
		if !ok {
			continue
		}
		var h Handoff
		if err := json.Unmarshal(raw, &h); err != nil {
			var to string
			if json.Unmarshal(raw, &to) != nil {
				continue
			}
			h.To = to
		}
		h.To = strings.ToLower(strings.TrimSpace(h.To))
		if h.To != "" {
			return h, true
		}
	}
	return Handoff{}, false
}
