package utils

import (
	"errors"
	"testing"
)

func TestExtractJSONPlainObject(t *testing.T) {
	input := `{"items": [{"index": 0, "topic_code": "1"}]}`
	got, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != input {
		t.Errorf("expected the input unchanged, got %q", got)
	}
}

func TestExtractJSONMarkdownFence(t *testing.T) {
	input := "```json\n{\"ok\": true}\n```"
	got, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"ok": true}` {
		t.Errorf("expected fenced JSON extracted, got %q", got)
	}
}

func TestExtractJSONWithSurroundingProse(t *testing.T) {
	input := `Here is the classification you asked for:
{"items": [{"index": 0}]}
Let me know if you need anything else.`
	got, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"items": [{"index": 0}]}` {
		t.Errorf("expected embedded JSON extracted, got %q", got)
	}
}

func TestExtractJSONArray(t *testing.T) {
	got, err := ExtractJSON(`noise [1, 2, 3] more noise`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `[1, 2, 3]` {
		t.Errorf("expected array extracted, got %q", got)
	}
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	input := `{"text": "a formula {x} with braces"} trailing`
	got, err := ExtractJSON(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != `{"text": "a formula {x} with braces"}` {
		t.Errorf("expected brace matching to respect strings, got %q", got)
	}
}

func TestExtractJSONNoJSON(t *testing.T) {
	for _, input := range []string{"", "just plain text", "almost { but not json"} {
		if _, err := ExtractJSON(input); !errors.Is(err, ErrNoJSONFound) {
			t.Errorf("input %q: expected ErrNoJSONFound, got %v", input, err)
		}
	}
}

func TestExtractJSONTo(t *testing.T) {
	var target struct {
		Items []struct {
			Index int `json:"index"`
		} `json:"items"`
	}
	err := ExtractJSONTo("```json\n{\"items\": [{\"index\": 2}]}\n```", &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(target.Items) != 1 || target.Items[0].Index != 2 {
		t.Errorf("unexpected result: %+v", target)
	}

	if err := ExtractJSONTo("no json here", &target); err == nil {
		t.Error("expected an error for a JSON-free response")
	}
}
