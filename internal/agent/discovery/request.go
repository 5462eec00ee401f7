package discovery

import (
	"bytes"
	"encoding/json"
	"regexp"
	"slices"
	"strings"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

var (
	traceIDPattern = regexp.MustCompile(`\b1-[0-9a-f]{8}-[0-9a-f]{24}\b`)
	arnPattern     = regexp.MustCompile(`arn:aws[a-z-]*:[a-z0-9-]+:[a-z0-9-]*:[0-9]{0,12}:[A-Za-z0-9_/+=,.@:$*-]+`)
)

type payload struct {
	Targets     []json.RawMessage `json:"targets"`
	TraceIDs    []string          `json:"trace_ids"`
	Errors      []string          `json:"errors"`
	Description string            `json:"description"`
}

// ParseRequest builds the immutable request of a run. A JSON object payload
// is read field by field; anything else is treated as free text from which
// trace ids and ARNs are extracted by pattern.
func ParseRequest(raw, region, role, externalID string) model.InvestigationRequest {
	req := model.InvestigationRequest{
		Region:           region,
		CrossAccountRole: role,
		ExternalID:       externalID,
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var p payload
		dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
		if err := dec.Decode(&p); err == nil {
			for _, t := range p.Targets {
				if target, ok := decodeTarget(t); ok {
					req.Targets = append(req.Targets, target)
				}
			}
			req.TraceIDs = normalizeTraceIDs(p.TraceIDs)
			for _, e := range p.Errors {
				if e = strings.TrimSpace(e); e != "" {
					req.Errors = append(req.Errors, e)
				}
			}
			if d := strings.TrimSpace(p.Description); d != "" {
				req.Errors = append(req.Errors, d)
				req.TraceIDs = mergeUnique(req.TraceIDs, traceIDPattern.FindAllString(d, -1))
			}
			return req
		}
	}

	if trimmed == "" {
		return req
	}
	req.Errors = []string{trimmed}
	req.TraceIDs = mergeUnique(nil, traceIDPattern.FindAllString(trimmed, -1))
	for _, a := range mergeUnique(nil, arnPattern.FindAllString(trimmed, -1)) {
		a = strings.TrimRight(a, ".,;:)")
		req.Targets = append(req.Targets, model.Target{Identifier: a})
	}
	return req
}

func decodeTarget(raw json.RawMessage) (model.Target, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return model.Target{}, false
		}
		if _, ok := ParseARN(s); ok {
			return model.Target{Identifier: s}, true
		}
		// type/name shorthand, e.g. "lambda-function/checkout"
		if typ, name, ok := strings.Cut(s, "/"); ok && typ != "" && name != "" {
			return model.Target{Type: typ, Name: name}, true
		}
		return model.Target{}, false
	}

	var t model.Target
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.Target{}, false
	}
	if t.Name == "" && t.Identifier == "" {
		return model.Target{}, false
	}
	return t, true
}

// normalizeTraceIDs accepts both bare ids and the Root=... header form.
func normalizeTraceIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if m := traceIDPattern.FindString(id); m != "" {
			id = m
		}
		if id != "" {
			out = mergeUnique(out, []string{id})
		}
	}
	return out
}

func mergeUnique(dst, src []string) []string {
	for _, s := range src {
		if !slices.Contains(dst, s) {
			dst = append(dst, s)
		}
	}
	return dst
}
