// Package jsonutil extracts JSON from model responses that may be wrapped in
// markdown code fences or surrounded by prose.
package jsonutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoObject is returned when no balanced JSON object is present in the text.
var ErrNoObject = errors.New("no JSON object found")

// StripMarkdownFences returns the body of the first ``` fenced block in text.
// The fence may carry a language tag (```json). Text without a fence is
// returned trimmed.
func StripMarkdownFences(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "```")
	if start == -1 {
		return text
	}

	body := text[start+3:]
	// Drop the language tag on the opening line.
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		if tag := strings.TrimSpace(body[:nl]); !strings.ContainsAny(tag, "{[") {
			body = body[nl+1:]
		}
	}

	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// ExtractObject returns the first balanced {...} object in text. Braces
// inside JSON strings are ignored.
func ExtractObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", ErrNoObject
	}

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
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unbalanced braces", ErrNoObject)
}

// DecodeObject strips fences, extracts the first JSON object and decodes it
// into a generic map. Callers coerce individual fields themselves.
func DecodeObject(raw string) (map[string]any, error) {
	text := StripMarkdownFences(raw)
	obj, err := ExtractObject(text)
	if err != nil {
		// The fence may have cut a response that only looked fenced.
		if obj, err = ExtractObject(raw); err != nil {
			return nil, err
		}
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		preview := obj
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return nil, fmt.Errorf("invalid JSON: %w (text: %s)", err, preview)
	}
	return result, nil
}
