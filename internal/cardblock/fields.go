package cardblock

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Body returns the text between the fences of a raw card block.
func Body(raw string) string {
	lines := SplitLines(raw)
	if len(lines) < 2 || !openFenceRe.MatchString(lines[0]) {
		return raw
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

// TypeOf returns the fence tag of a raw card block, or "".
func TypeOf(raw string) string {
	lines := SplitLines(raw)
	if len(lines) == 0 {
		return ""
	}
	m := openFenceRe.FindStringSubmatch(lines[0])
	if m == nil {
		return ""
	}
	return m[1]
}

// KindOf returns the card type of a raw block without its suffix ("book"
// for "book-card").
func KindOf(raw string) string {
	return strings.TrimSuffix(TypeOf(raw), TypeSuffix)
}

// Fields parses the body of a raw card block. Flat bodies are read line by
// line: "key: value" pairs are taken verbatim, "tags" is split on whitespace
// and "meta.<k>" keys are gathered under "meta". Bodies with nested lines
// (indented values or list items) are decoded as YAML, falling back to the
// line reader when the YAML is invalid.
func Fields(raw string) map[string]any {
	body := Body(raw)
	if nested(body) {
		var fm map[string]any
		if err := yaml.Unmarshal([]byte(body), &fm); err == nil && len(fm) > 0 {
			return fm
		}
	}
	return lineFields(body)
}

func nested(body string) bool {
	for _, line := range SplitLines(body) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' || strings.HasPrefix(line, "- ") {
			return true
		}
	}
	return false
}

func lineFields(body string) map[string]any {
	out := make(map[string]any)
	meta := make(map[string]any)
	for _, line := range SplitLines(body) {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" || key == "meta" {
			continue
		}
		switch {
		case key == "tags":
			out[key] = strings.Fields(value)
		case strings.HasPrefix(key, "meta."):
			if k := strings.TrimSpace(strings.TrimPrefix(key, "meta.")); k != "" {
				meta[k] = value
			}
		default:
			out[key] = value
		}
	}
	if len(meta) > 0 {
		out["meta"] = meta
	}
	return out
}

// Title returns the "title" field of a raw card block, falling back to the
// "quote" or "idea" text for card types that carry no title.
func Title(raw string) string {
	f := Fields(raw)
	for _, k := range []string{"title", "quote", "idea"} {
		if s, ok := f[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
