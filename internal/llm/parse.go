package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlockRe = regexp.MustCompile("(?is)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// parseModelJSON decodes a model reply that may be raw JSON, JSON
// inside a fenced code block, or the literal null/none. Anything
// undecodable yields nil.
func parseModelJSON(raw string) any {
	content := strings.TrimSpace(raw)
	if content == "" {
		return nil
	}

	if m := fencedBlockRe.FindStringSubmatch(content); m != nil {
		content = strings.TrimSpace(m[1])
	}
	content = strings.TrimSpace(strings.Trim(content, "`"))

	if s := strings.ToLower(content); s == "null" || s == "none" {
		return nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil
	}
	return parsed
}

// extractJSONObject narrows a reply to the outermost {...} span when
// one is present, otherwise returns the reply unchanged.
func extractJSONObject(s string) string {
	i := strings.Index(s, "{")
	j := strings.LastIndex(s, "}")
	if i >= 0 && j > i {
		return s[i : j+1]
	}
	return s
}
