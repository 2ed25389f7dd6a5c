// Package approaches holds the interchangeable generation backends raced by
// the engine: HTTP model servers, hosted model APIs, offline generators and
// WASM plugins.
package approaches

import (
	"strconv"
	"strings"
)

// Approach names.
const (
	NameUltraFast       = "ultra_fast"
	NameAnthropic       = "anthropic"
	NameStaticKnowledge = "static_knowledge"
	NameOllama          = "ollama"
	NameOpenAICompat    = "openai_compat"
	NameTemplate        = "template"
	NameHeuristic       = "heuristic"
)

// base carries an approach's identity.
type base struct {
	name     string
	priority int
	token    bool
}

func (b base) Name() string        { return b.name }
func (b base) Priority() int       { return b.priority }
func (b base) RequiresToken() bool { return b.token }

// pyString renders s as a Python string literal.
func pyString(s string) string {
	return strconv.Quote(s)
}

// oneLine collapses s to a single trimmed line for use in comments.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 && len([]rune(s)) > max {
		s = string([]rune(s)[:max]) + "..."
	}
	return s
}

// ExtractCode returns the body of the first fenced code block in text, or
// text unchanged when there is none.
func ExtractCode(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	rest := text[start+3:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return text
	}
	body := rest[nl+1:]
	end := strings.Index(body, "```")
	if end < 0 {
		return text
	}
	return strings.TrimRight(body[:end], " \t\n") + "\n"
}

// label returns the text an offline approach describes the request by.
func label(taskLabel, prompt string) string {
	if strings.TrimSpace(taskLabel) != "" {
		return oneLine(taskLabel, 80)
	}
	return oneLine(prompt, 80)
}
