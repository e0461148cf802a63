package llm

import (
	"encoding/json"
	"strings"
)

// ExtractCode recovers a program from an LLM completion. Models wrap code
// three ways, sometimes nested: a JSON object ({"code": ...} or
// {"strategy_code": ...}), a markdown fence, and escaped string literals.
// Each layer is peeled in that order.
func ExtractCode(text string) string {
	out := strings.TrimSpace(text)
	out = unwrapJSON(out)
	out = stripFences(out)
	out = deescape(out)
	return strings.TrimSpace(out)
}

// unwrapJSON extracts the code field from a JSON object wrapper.
func unwrapJSON(text string) string {
	if !strings.HasPrefix(text, "{") {
		return text
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &wrapper); err != nil {
		return text
	}
	for _, key := range []string{"code", "strategy_code"} {
		raw, ok := wrapper[key]
		if !ok {
			continue
		}
		var code string
		if err := json.Unmarshal(raw, &code); err == nil {
			return code
		}
	}
	return text
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}

	// Drop the opening fence line (``` or ```python etc.).
	idx := strings.Index(trimmed, "\n")
	if idx < 0 {
		return strings.TrimPrefix(trimmed, "```")
	}
	body := trimmed[idx+1:]

	// Drop the closing fence.
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body
}

// deescape converts escaped literals to their characters. Applied only
// when the text contains escape sequences but no real newlines, which is
// the signature of a program returned as a single escaped string.
func deescape(text string) string {
	if strings.Contains(text, "\n") || !strings.Contains(text, "\\") {
		return text
	}
	replacer := strings.NewReplacer(
		`\n`, "\n",
		`\t`, "\t",
		`\r`, "\r",
		`\"`, `"`,
		`\'`, `'`,
		`\\`, `\`,
	)
	return replacer.Replace(text)
}
