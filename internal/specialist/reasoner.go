package specialist

import (
	"context"
	"fmt"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// Reasoner is the model-backed fallback the synthesizer consults when the
// specialists leave it without usable hypotheses.
type Reasoner struct {
	asker Asker
}

func NewReasoner(asker Asker) *Reasoner {
	return &Reasoner{asker: asker}
}

func (r *Reasoner) GenerateHypotheses(ctx context.Context, facts []model.Fact) (string, error) {
	out, err := r.asker.AskPrompt(ctx, hypothesisPrompt(facts))
	if err != nil {
		return "", fmt.Errorf("generate hypotheses: %w", err)
	}
	return out, nil
}

func (r *Reasoner) AnalyzeRootCause(ctx context.Context, hyps []model.Hypothesis, facts []model.Fact) (string, error) {
	out, err := r.asker.AskPrompt(ctx, rootCausePrompt(hyps, facts))
	if err != nil {
		return "", fmt.Errorf("analyze root cause: %w", err)
	}
	return out, nil
}
