// Package aggregate turns raw specialist output into canonical facts,
// hypotheses and advice. It tolerates malformed output: nothing a
// specialist returns can make aggregation fail.
package aggregate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// Category keys recognized in structured blocks.
const (
	keyFacts           = "facts"
	keyHypotheses      = "hypotheses"
	keyAdvice          = "advice"
	keyRecommendations = "recommendations"
	keyHandoff         = "handoff"
	keyRootCause       = "root_cause"
)

// defaultFactConfidence applies when a specialist omits a confidence.
const defaultFactConfidence = 0.5

type Result struct {
	Facts      []model.Fact
	Hypotheses []model.Hypothesis
	Advice     []model.Advice
}

// Aggregate extracts facts, hypotheses and advice from tasks. Tasks are
// processed in specialist order, so the result is the same however the
// tasks completed. Tasks are not modified.
func Aggregate(tasks []*model.SpecialistTask) Result {
	ordered := make([]*model.SpecialistTask, len(tasks))
	copy(ordered, tasks)
	model.SortTasks(ordered)

	var res Result
	for _, t := range ordered {
		c := collector{source: string(t.Specialist), observedAt: t.FinishedAt}
		if t.State == model.TaskSucceeded {
			c.collect(t.Output)
		} else {
			c.failure(t)
		}
		res.Facts = append(res.Facts, c.facts...)
		res.Hypotheses = append(res.Hypotheses, c.hypotheses...)
		res.Advice = append(res.Advice, c.advice...)
	}
	res.Hypotheses = MergeHypotheses(res.Hypotheses)
	return res
}

// collector accumulates the records of a single specialist.
type collector struct {
	source     string
	observedAt time.Time
	facts      []model.Fact
	warnings   []model.Fact
	hypotheses []model.Hypothesis
	advice     []model.Advice
	// blockFacts maps an index inside the accepted facts block to a fact id.
	blockFacts []string
}

func (c *collector) failure(t *model.SpecialistTask) {
	kind := model.FailureError
	msg := fmt.Sprintf("specialist %s did not complete (state %s)", c.source, t.State)
	if t.Failure != nil {
		kind = t.Failure.Kind
		msg = t.Failure.Message
	}
	c.facts = append(c.facts, model.Fact{
		ID:         c.source + "#0",
		Source:     c.source,
		Content:    msg,
		Confidence: 1,
		Metadata: map[string]string{
			model.MetaKind:    model.KindError,
			model.MetaFailure: string(kind),
			"state":           string(t.State),
		},
		ObservedAt: c.observedAt,
	})
}

func (c *collector) collect(output string) {
	blocks, errs := ExtractBlocks(c.source, output)
	for _, e := range errs {
		c.warn(e.Error())
	}

	// Facts first, so hypotheses in any block can cite them.
	for _, b := range blocks {
		raw, ok := b.Fields[keyFacts]
		if !ok {
			continue
		}
		var items []factItem
		if err := decodeField(raw, &items); err != nil {
			c.warn((&model.AggregationParseError{Source: c.source, Offset: b.Offset, Err: fmt.Errorf("facts: %w", err)}).Error())
			continue
		}
		for _, it := range items {
			c.addFact(it)
		}
		break
	}

	c.acceptHypotheses(blocks, keyHypotheses)
	c.acceptAdvice(blocks)

	for _, w := range c.warnings {
		w.ID = fmt.Sprintf("%s#%d", c.source, len(c.facts))
		c.facts = append(c.facts, w)
	}
}

func (c *collector) acceptHypotheses(blocks []Block, keys ...string) {
	for _, b := range blocks {
		var (
			raw json.RawMessage
			ok  bool
		)
		for _, k := range keys {
			if raw, ok = b.Fields[k]; ok {
				break
			}
		}
		if !ok {
			continue
		}
		var items []hypothesisItem
		if err := decodeField(raw, &items); err != nil {
			c.warn((&model.AggregationParseError{Source: c.source, Offset: b.Offset, Err: fmt.Errorf("hypotheses: %w", err)}).Error())
			continue
		}
		for _, it := range items {
			desc := strings.TrimSpace(it.Description)
			if desc == "" {
				continue
			}
			c.hypotheses = append(c.hypotheses, model.Hypothesis{
				Type:        NormalizeType(it.Type),
				Description: desc,
				Confidence:  clamp(it.Confidence, 0),
				Evidence:    c.resolveEvidence(it.Evidence),
				Source:      c.source,
			})
		}
		return
	}
}

func (c *collector) acceptAdvice(blocks []Block) {
	for _, b := range blocks {
		raw, ok := b.Fields[keyAdvice]
		if !ok {
			raw, ok = b.Fields[keyRecommendations]
		}
		if !ok {
			continue
		}
		var items []adviceItem
		if err := decodeField(raw, &items); err != nil {
			c.warn((&model.AggregationParseError{Source: c.source, Offset: b.Offset, Err: fmt.Errorf("advice: %w", err)}).Error())
			continue
		}
		for _, it := range items {
			if it.Title == "" {
				continue
			}
			c.advice = append(c.advice, model.Advice{
				Title:       it.Title,
				Description: it.Description,
				Priority:    strings.ToLower(it.Priority),
				Source:      c.source,
			})
		}
		return
	}
}

// ParseHypotheses reads the hypotheses (or root_cause) block of a fallback
// reasoning answer. Evidence may cite facts by id, content or position in
// facts; references to anything else are dropped.
func ParseHypotheses(source, text string, facts []model.Fact) []model.Hypothesis {
	c := collector{source: source, facts: facts}
	for _, f := range facts {
		c.blockFacts = append(c.blockFacts, f.ID)
	}
	blocks, _ := ExtractBlocks(source, text)
	c.acceptHypotheses(blocks, keyHypotheses, keyRootCause)
	return c.hypotheses
}

func (c *collector) addFact(it factItem) {
	content := strings.TrimSpace(it.Content)
	if content == "" {
		c.blockFacts = append(c.blockFacts, "")
		return
	}
	id := fmt.Sprintf("%s#%d", c.source, len(c.facts))
	meta := map[string]string{model.MetaKind: model.KindObservation}
	for k, v := range it.Metadata {
		meta[k] = v
	}
	c.facts = append(c.facts, model.Fact{
		ID:         id,
		Source:     c.source,
		Content:    content,
		Confidence: clamp(it.Confidence, defaultFactConfidence),
		Metadata:   meta,
		ObservedAt: c.observedAt,
	})
	c.blockFacts = append(c.blockFacts, id)
}

func (c *collector) warn(msg string) {
	c.warnings = append(c.warnings, model.Fact{
		Source:     c.source,
		Content:    "skipped malformed structured block: " + msg,
		Confidence: 1,
		Metadata:   map[string]string{model.MetaKind: model.KindWarning},
		ObservedAt: c.observedAt,
	})
}

// resolveEvidence maps block indexes, fact ids or fact contents onto fact
// ids of this specialist. Unresolvable references are dropped.
func (c *collector) resolveEvidence(refs []evidenceRef) []string {
	var ids []string
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, ref := range refs {
		if ref.isIndex {
			if ref.index >= 0 && ref.index < len(c.blockFacts) {
				add(c.blockFacts[ref.index])
			}
			continue
		}
		for _, f := range c.facts {
			if f.ID == ref.text || f.Content == ref.text {
				add(f.ID)
				break
			}
		}
	}
	return ids
}

// NormalizeType lowercases a hypothesis type and joins words with underscores.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	t = strings.Join(strings.FieldsFunc(t, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/'
	}), "_")
	if t == "" {
		return "unclassified"
	}
	return t
}

func clamp(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	switch {
	case *v < 0:
		return 0
	case *v > 1:
		// Percentages are common in model output. A fractional value just
		// above 1 is an overshoot, not a percentage.
		if *v <= 100 && (*v > 2 || *v == math.Trunc(*v)) {
			return *v / 100
		}
		return 1
	}
	return *v
}

type factItem struct {
	Content    string
	Confidence *float64
	Metadata   map[string]string
}

func (f *factItem) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		f.Content = s
		return nil
	}
	var raw struct {
		Content     string         `json:"content"`
		Fact        string         `json:"fact"`
		Description string         `json:"description"`
		Confidence  *float64       `json:"confidence"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	f.Content = firstNonEmpty(raw.Content, raw.Fact, raw.Description)
	f.Confidence = raw.Confidence
	if len(raw.Metadata) > 0 {
		f.Metadata = make(map[string]string, len(raw.Metadata))
		for k, v := range raw.Metadata {
			f.Metadata[k] = fmt.Sprint(v)
		}
	}
	return nil
}

type hypothesisItem struct {
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Confidence  *float64      `json:"confidence"`
	Evidence    []evidenceRef `json:"evidence"`
}

type evidenceRef struct {
	isIndex bool
	index   int
	text    string
}

func (e *evidenceRef) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.text)
	}
	// Anything but a string or an integer is an unresolvable reference.
	if i, err := strconv.Atoi(string(b)); err == nil {
		e.isIndex, e.index = true, i
	}
	return nil
}

type adviceItem struct {
	Title       string
	Description string
	Priority    string
}

func (a *adviceItem) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		a.Title = strings.TrimSpace(s)
		return nil
	}
	var raw struct {
		Title       string `json:"title"`
		Action      string `json:"action"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	a.Title = strings.TrimSpace(firstNonEmpty(raw.Title, raw.Action))
	a.Description = raw.Description
	a.Priority = raw.Priority
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
