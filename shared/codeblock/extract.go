// Package codeblock recovers source code from model output that may be
// wrapped in markdown fences and surrounded by prose.
package codeblock

import "strings"

const (
	Fence           = "```"
	DefaultLanguage = "java"
)

// ExtractCode pulls Java source out of a model reply.
func ExtractCode(raw string) string {
	return Extract(raw, DefaultLanguage)
}

// Extract returns the text between the first fence opener and the last
// closing fence, trimmed. A language-tagged opener ("```java") wins over
// a bare one. Text without a usable fence pair is returned untouched.
//
// Only the first opener and the very last closer are considered, so any
// prose between several code blocks ends up in the result.
func Extract(raw, lang string) string {
	if lang != "" {
		if code, ok := between(raw, Fence+lang); ok {
			return code
		}
	}
	if code, ok := between(raw, Fence); ok {
		return code
	}
	return raw
}

func between(raw, opener string) (string, bool) {
	open := strings.Index(raw, opener)
	if open < 0 {
		return "", false
	}
	start := open + len(opener)
	end := strings.LastIndex(raw, Fence)
	if end <= start {
		return "", false
	}
	return strings.TrimSpace(raw[start:end]), true
}
