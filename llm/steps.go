package llm

import (
	"strings"
	"unicode"
)

var stepConnectives = []string{" and ", " then "}

var politenessPrefixes = []string{"students", "please", "kindly"}

// SplitSteps breaks one instruction sentence into playback steps on
// its connective phrases. Leading politeness words are stripped and
// each step starts with a capital letter. Every instruction yields at
// least one step: itself.
func SplitSteps(instruction string) []string {
	parts := []string{instruction}
	for _, connective := range stepConnectives {
		var next []string
		for _, part := range parts {
			next = append(next, strings.Split(part, connective)...)
		}
		parts = next
	}

	var steps []string
	for _, part := range parts {
		step := tidyStep(part)
		if step != "" {
			steps = append(steps, step)
		}
	}
	if len(steps) == 0 {
		if fallback := tidyStep(instruction); fallback != "" {
			steps = []string{fallback}
		}
	}
	return steps
}

func tidyStep(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, ".,;:")
	s = strings.TrimSpace(s)

	lowered := strings.ToLower(s)
	for _, prefix := range politenessPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			rest := s[len(prefix):]
			rest = strings.TrimLeft(rest, " ,")
			if rest != "" {
				s = rest
				lowered = strings.ToLower(s)
			}
		}
	}

	if s == "" {
		return ""
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
