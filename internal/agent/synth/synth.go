// Package synth ranks hypotheses and selects the root cause of an
// investigation.
package synth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bgdnvk/cloudsleuth/internal/agent/aggregate"
	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
	"github.com/bgdnvk/cloudsleuth/internal/logging"
)

const (
	// TypeUnverifiedObservation marks a hypothesis built from a single fact
	// when nothing better is available.
	TypeUnverifiedObservation = "unverified_observation"

	insufficientConfidence = 0.2
	fallbackSource         = "synthesizer"
)

// Fallback is the dedicated reasoning used only when specialists
// under-deliver. Both calls return raw text containing a structured block.
type Fallback interface {
	GenerateHypotheses(ctx context.Context, facts []model.Fact) (string, error)
	AnalyzeRootCause(ctx context.Context, hyps []model.Hypothesis, facts []model.Fact) (string, error)
}

type Options struct {
	ConfidenceFloor float64
	MaxContributing int
}

// Input is everything synthesis looks at. Gaps lists what the run could
// not determine (failed specialists, dropped types, forced termination).
type Input struct {
	Facts      []model.Fact
	Hypotheses []model.Hypothesis
	Gaps       []string
}

type Result struct {
	Hypotheses []model.Hypothesis
	RootCause  model.RootCauseAnalysis
	// Notes describe which fallbacks ran, for the timeline.
	Notes []string
}

type Synthesizer struct {
	opts     Options
	fallback Fallback
	logger   *zap.Logger
}

// New returns a Synthesizer. fallback may be nil, in which case only the
// deterministic fallbacks are used.
func New(opts Options, fallback Fallback, logger *zap.Logger) *Synthesizer {
	if opts.ConfidenceFloor <= 0 || opts.ConfidenceFloor > 1 {
		opts.ConfidenceFloor = 0.3
	}
	if opts.MaxContributing <= 0 {
		opts.MaxContributing = 4
	}
	return &Synthesizer{opts: opts, fallback: fallback, logger: logging.OrNop(logger).Named("synth")}
}

func (s *Synthesizer) Synthesize(ctx context.Context, in Input) Result {
	var res Result
	byID := make(map[string]model.Fact, len(in.Facts))
	for _, f := range in.Facts {
		byID[f.ID] = f
	}

	hyps := s.calibrate(in.Hypotheses, byID)
	if len(hyps) == 0 {
		hyps = s.generate(ctx, in.Facts, byID, &res)
	}

	primary, ok := s.selectPrimary(hyps, byID)
	if !ok && len(in.Facts) > 0 && s.fallback != nil {
		if h, found := s.rootCauseFallback(ctx, hyps, in.Facts, byID); found {
			res.Notes = append(res.Notes, "root cause named by fallback reasoning")
			hyps = aggregate.MergeHypotheses(append(hyps, h))
			primary, ok = s.selectPrimary(hyps, byID)
		}
	}
	if !ok {
		primary = highest(hyps)
	}
	p := hyps[primary]

	sort.SliceStable(hyps, func(i, j int) bool { return hyps[i].Confidence > hyps[j].Confidence })
	res.Hypotheses = hyps

	res.RootCause = model.RootCauseAnalysis{
		Primary:             &p,
		ContributingFactors: s.contributing(hyps, p),
		Confidence:          p.Confidence,
	}
	res.RootCause.Summary = summarize(res.RootCause, in.Gaps)
	return res
}

// calibrate clamps confidences, drops evidence that cites unknown facts and
// caps evidence-less hypotheses at the floor.
func (s *Synthesizer) calibrate(in []model.Hypothesis, byID map[string]model.Fact) []model.Hypothesis {
	out := make([]model.Hypothesis, 0, len(in))
	for _, h := range in {
		var ev []string
		for _, id := range h.Evidence {
			if _, ok := byID[id]; ok {
				ev = append(ev, id)
			}
		}
		h.Evidence = ev
		h.Confidence = min(max(h.Confidence, 0), 1)
		if len(h.Evidence) == 0 && h.Confidence > s.opts.ConfidenceFloor {
			h.Confidence = s.opts.ConfidenceFloor
		}
		out = append(out, h)
	}
	return out
}

// generate produces hypotheses when specialists proposed none.
func (s *Synthesizer) generate(ctx context.Context, facts []model.Fact, byID map[string]model.Fact, res *Result) []model.Hypothesis {
	if len(facts) == 0 {
		res.Notes = append(res.Notes, "no facts available")
		return []model.Hypothesis{{
			Type:        model.HypothesisInsufficientData,
			Description: "No resources or observations were available to analyze.",
			Confidence:  min(insufficientConfidence, s.opts.ConfidenceFloor),
			Source:      fallbackSource,
		}}
	}

	if s.fallback != nil {
		text, err := s.fallback.GenerateHypotheses(ctx, facts)
		if err != nil {
			s.logger.Warn("fallback hypothesis generation failed", zap.Error(err))
		} else if hyps := s.calibrate(aggregate.ParseHypotheses(fallbackSource, text, facts), byID); len(hyps) > 0 {
			res.Notes = append(res.Notes, fmt.Sprintf("fallback reasoning proposed %d hypotheses", len(hyps)))
			return aggregate.MergeHypotheses(hyps)
		}
	}

	res.Notes = append(res.Notes, "deterministic fallback hypothesis")
	return []model.Hypothesis{s.deterministic(facts)}
}

func (s *Synthesizer) deterministic(facts []model.Fact) model.Hypothesis {
	best := -1
	var synthetic []string
	for i, f := range facts {
		if f.Synthetic() {
			synthetic = append(synthetic, f.ID)
			continue
		}
		if f.Hint() {
			continue
		}
		if best < 0 || f.Confidence > facts[best].Confidence {
			best = i
		}
	}
	if best < 0 {
		return model.Hypothesis{
			Type:        model.HypothesisInsufficientData,
			Description: fmt.Sprintf("Could not determine a root cause: %d specialist result(s) were failures or unusable output.", len(synthetic)),
			Confidence:  min(insufficientConfidence, s.opts.ConfidenceFloor),
			Evidence:    synthetic,
			Source:      fallbackSource,
		}
	}
	f := facts[best]
	return model.Hypothesis{
		Type:        TypeUnverifiedObservation,
		Description: "Unverified: " + f.Content,
		Confidence:  min(f.Confidence, s.opts.ConfidenceFloor),
		Evidence:    []string{f.ID},
		Source:      fallbackSource,
	}
}

func (s *Synthesizer) rootCauseFallback(ctx context.Context, hyps []model.Hypothesis, facts []model.Fact, byID map[string]model.Fact) (model.Hypothesis, bool) {
	text, err := s.fallback.AnalyzeRootCause(ctx, hyps, facts)
	if err != nil {
		s.logger.Warn("fallback root cause analysis failed", zap.Error(err))
		return model.Hypothesis{}, false
	}
	for _, h := range s.calibrate(aggregate.ParseHypotheses(fallbackSource, text, facts), byID) {
		if len(h.Evidence) > 0 {
			return h, true
		}
	}
	s.logger.Debug("fallback root cause cited no known facts")
	return model.Hypothesis{}, false
}

// selectPrimary returns the index of the best evidence-backed hypothesis.
// Ties go to more evidence, then to more recent supporting facts.
func (s *Synthesizer) selectPrimary(hyps []model.Hypothesis, byID map[string]model.Fact) (int, bool) {
	best := -1
	var bestRecent time.Time
	for i, h := range hyps {
		if len(h.Evidence) == 0 {
			continue
		}
		recent := latest(h.Evidence, byID)
		if best < 0 {
			best, bestRecent = i, recent
			continue
		}
		b := hyps[best]
		switch {
		case h.Confidence != b.Confidence:
			if h.Confidence < b.Confidence {
				continue
			}
		case len(h.Evidence) != len(b.Evidence):
			if len(h.Evidence) < len(b.Evidence) {
				continue
			}
		case !recent.After(bestRecent):
			continue
		}
		best, bestRecent = i, recent
	}
	return best, best >= 0
}

func latest(ids []string, byID map[string]model.Fact) time.Time {
	var t time.Time
	for _, id := range ids {
		if f := byID[id]; f.ObservedAt.After(t) {
			t = f.ObservedAt
		}
	}
	return t
}

func highest(hyps []model.Hypothesis) int {
	best := 0
	for i, h := range hyps {
		if h.Confidence > hyps[best].Confidence {
			best = i
		}
	}
	return best
}

func (s *Synthesizer) contributing(hyps []model.Hypothesis, primary model.Hypothesis) []model.Hypothesis {
	var out []model.Hypothesis
	skipped := false
	for _, h := range hyps {
		if !skipped && h.Type == primary.Type && h.Description == primary.Description {
			skipped = true
			continue
		}
		if len(h.Evidence) == 0 || h.Confidence < s.opts.ConfidenceFloor {
			continue
		}
		out = append(out, h)
		if len(out) == s.opts.MaxContributing {
			break
		}
	}
	return out
}

func summarize(rca model.RootCauseAnalysis, gaps []string) string {
	var b strings.Builder
	p := rca.Primary
	if p.Type == model.HypothesisInsufficientData {
		fmt.Fprintf(&b, "No root cause could be determined (confidence %.2f). %s", p.Confidence, p.Description)
	} else {
		fmt.Fprintf(&b, "Primary root cause [%s, confidence %.2f]: %s", p.Type, p.Confidence, p.Description)
		if len(p.Evidence) > 0 {
			fmt.Fprintf(&b, " Supported by %d fact(s): %s.", len(p.Evidence), strings.Join(p.Evidence, ", "))
		} else {
			b.WriteString(" No supporting facts were cited.")
		}
	}
	if len(rca.ContributingFactors) > 0 {
		parts := make([]string, 0, len(rca.ContributingFactors))
		for _, c := range rca.ContributingFactors {
			parts = append(parts, fmt.Sprintf("%s (%.2f)", c.Description, c.Confidence))
		}
		b.WriteString(" Contributing factors: " + strings.Join(parts, "; ") + ".")
	}
	if len(gaps) > 0 {
		b.WriteString(" Could not determine: " + strings.Join(gaps, "; ") + ".")
	}
	return b.String()
}
