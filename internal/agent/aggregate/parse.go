package aggregate

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/bgdnvk/cloudsleuth/internal/agent/model"
)

// Block is one well-formed JSON object embedded in specialist output.
type Block struct {
	Offset int
	Fields map[string]json.RawMessage
}

// region is a candidate block before decoding.
type region struct {
	offset int
	text   string
	// strict regions come from ```json fences and are reported when they
	// fail to decode even if they do not look like an object.
	strict bool
}

// ExtractBlocks returns every JSON object found in fenced code blocks or as
// top-level brace-delimited regions, in order of appearance. Regions that
// look structured but do not decode are returned as parse errors; prose
// containing stray braces is ignored.
func ExtractBlocks(source, text string) ([]Block, []*model.AggregationParseError) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	regions, fenced := fencedRegions(text)
	regions = append(regions, braceRegions(text, fenced)...)
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].offset < regions[j].offset })

	var (
		blocks []Block
		errs   []*model.AggregationParseError
	)
	for _, r := range regions {
		trimmed := strings.TrimSpace(r.text)
		if trimmed == "" {
			continue
		}
		if !looksStructured(trimmed) && !r.strict {
			continue
		}
		fields, err := decodeObject(trimmed)
		if err != nil {
			errs = append(errs, &model.AggregationParseError{Source: source, Offset: r.offset, Err: err})
			continue
		}
		blocks = append(blocks, Block{Offset: r.offset, Fields: fields})
	}
	return blocks, errs
}

func decodeObject(s string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errNotObject
	}
	return fields, nil
}

// looksStructured reports whether s opens like a JSON object with a key.
func looksStructured(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	rest := strings.TrimSpace(s[1:])
	return strings.HasPrefix(rest, `"`) || strings.HasPrefix(rest, "}")
}

type span struct{ start, end int }

// fencedRegions finds ``` fenced code blocks. An unterminated fence runs to
// the end of the text.
func fencedRegions(text string) ([]region, []span) {
	var (
		regions []region
		spans   []span
	)
	pos := 0
	for {
		open := strings.Index(text[pos:], "```")
		if open < 0 {
			break
		}
		open += pos
		lineEnd := strings.IndexByte(text[open:], '\n')
		if lineEnd < 0 {
			break
		}
		lang := strings.ToLower(strings.TrimSpace(text[open+3 : open+lineEnd]))
		bodyStart := open + lineEnd + 1
		end := len(text)
		next := len(text)
		if closeIdx := strings.Index(text[bodyStart:], "```"); closeIdx >= 0 {
			end = bodyStart + closeIdx
			next = end + 3
		}
		body := text[bodyStart:end]
		if lang == "json" || lang == "" || strings.HasPrefix(strings.TrimSpace(body), "{") {
			regions = append(regions, region{offset: bodyStart, text: body, strict: lang == "json"})
		}
		spans = append(spans, span{start: open, end: next})
		pos = next
		if pos >= len(text) {
			break
		}
	}
	return regions, spans
}

// braceRegions finds top-level balanced {...} regions outside fences.
func braceRegions(text string, fenced []span) []region {
	var regions []region
	inFence := func(i int) (int, bool) {
		for _, f := range fenced {
			if i >= f.start && i < f.end {
				return f.end, true
			}
		}
		return 0, false
	}

	for i := 0; i < len(text); i++ {
		if end, ok := inFence(i); ok {
			i = end - 1
			continue
		}
		if text[i] != '{' {
			continue
		}
		end := balancedEnd(text, i)
		if end < 0 {
			// Unterminated object: report it only if it looks structured.
			regions = append(regions, region{offset: i, text: text[i:]})
			break
		}
		regions = append(regions, region{offset: i, text: text[i:end]})
		i = end - 1
	}
	return regions
}

// balancedEnd returns the index just past the brace matching text[start],
// honoring JSON string quoting, or -1 when the object never closes.
func balancedEnd(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

type parseError string

func (e parseError) Error() string { return string(e) }

const errNotObject = parseError("block is not a JSON object")

// decodeField decodes one category field into v, accepting a single item
// where a list is expected.
func decodeField(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] != '[' {
		raw = append(append([]byte{'['}, raw...), ']')
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
