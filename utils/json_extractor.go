package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
)

// ErrNoJSONFound is returned when a response contains no complete JSON
// object or array
var ErrNoJSONFound = errors.New("no valid JSON object or array found in response")

var reCodeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.+?)\\s*```")

// ExtractJSON pulls the first complete JSON object or array out of a
// model response. Classification replies routinely arrive wrapped in
// markdown fences or conversational prose; the scanner is string-aware,
// so braces inside quoted values do not end the match.
func ExtractJSON(response string) (string, error) {
	if strings.TrimSpace(response) == "" {
		return "", ErrNoJSONFound
	}

	candidate := stripFences(response)

	if extracted := scanBalanced(candidate); extracted != "" && json.Valid([]byte(extracted)) {
		return extracted, nil
	}

	// Some responses smuggle control characters into otherwise valid
	// JSON; strip them and scan once more.
	cleaned := stripControlChars(candidate)
	if extracted := scanBalanced(cleaned); extracted != "" && json.Valid([]byte(extracted)) {
		return extracted, nil
	}

	log.Printf("JSONExtractor: no valid JSON in %d-char response", len(response))
	return "", fmt.Errorf("%w: response length=%d", ErrNoJSONFound, len(response))
}

// ExtractJSONTo extracts JSON from the response and unmarshals it into
// the target
func ExtractJSONTo(response string, target interface{}) error {
	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(jsonStr), target)
}

// stripFences unwraps a markdown code block when the response is fenced
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := reCodeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// scanBalanced returns the first bracket-balanced object or array in s,
// or "" when none closes
func scanBalanced(s string) string {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return ""
	}

	openChar := s[start]
	closeChar := byte('}')
	if openChar == '[' {
		closeChar = ']'
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// stripControlChars drops everything below 0x20 except standard
// whitespace
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
