// Package abort recognizes stop phrases across languages and remembers
// which sessions were aborted so late-arriving work can be discarded.
package abort

import (
	"strings"
	"unicode"
)

// abortWords are single-token triggers, matched against the whole
// normalized message.
var abortWords = map[string]bool{
	"stop":        true,
	"abort":       true,
	"wait":        true,
	"exit":        true,
	"interrupt":   true,
	"halt":        true,
	"anhalten":    true, // de
	"aufhören":    true, // de
	"aufhoren":    true,
	"hoer auf":    true,
	"hör auf":     true,
	"stopp":       true, // de/no
	"detén":       true, // es
	"deten":       true,
	"arrête":      true, // fr
	"arrete":      true,
	"停止":          true, // zh
	"やめて":         true, // ja
	"止めて":         true, // ja
	"रुको":        true, // hi
	"توقف":        true, // ar
	"стоп":        true, // ru
	"остановись":  true, // ru
	"прекрати":    true, // ru
	"pare":        true, // pt
}

// stopTargets are objects that make "stop <target>" a trigger. Arbitrary
// tails ("stop doing that") are also accepted; targets exist to document the
// common forms and keep the test surface honest.
var stopTargets = map[string]bool{
	"openclaw":           true,
	"action":             true,
	"run":                true,
	"agent":              true,
	"it":                 true,
	"now":                true,
	"everything":         true,
	"do not do anything": true,
	"doing that":         true,
}

// IsTrigger reports whether body is a fast-abort trigger: the canonical
// /stop command (optionally @botname-suffixed), a known abort word, or a
// compositional "stop <target>". Polite full-sentence requests
// ("please do not do that") are not triggers.
func IsTrigger(body, botUsername string) bool {
	norm := Normalize(body)
	if norm == "" {
		return false
	}

	if isStopCommand(norm, botUsername) {
		return true
	}
	if abortWords[norm] {
		return true
	}

	// Compositional: "stop <something>" — but only when "stop" leads.
	if rest, ok := strings.CutPrefix(norm, "stop "); ok {
		rest = strings.TrimSpace(rest)
		if rest == "" || stopTargets[rest] {
			return true
		}
		// Short imperative tails count; long sentences are conversation.
		if len(strings.Fields(rest)) <= 4 {
			return true
		}
	}
	return false
}

// isStopCommand matches "/stop" and "/stop@botname".
func isStopCommand(norm, botUsername string) bool {
	if norm == "/stop" {
		return true
	}
	if botUsername != "" && norm == "/stop@"+strings.ToLower(botUsername) {
		return true
	}
	return false
}

// Normalize lower-cases, trims, and strips leading/trailing punctuation
// (keeping the leading '/' that marks commands).
func Normalize(body string) string {
	s := strings.ToLower(strings.TrimSpace(body))
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != '@'
	})
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != '/' && r != '@'
	})
	return strings.Join(strings.Fields(s), " ")
}
