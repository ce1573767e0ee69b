package jsonutil

import (
	"errors"
	"reflect"
	"testing"
)

func TestStripMarkdownFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no fence", `  {"a": 1}  `, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around fence", "Here you go:\n```json\n{\"a\": 1}\n```\nThanks", `{"a": 1}`},
		{"single line fence", "```{\"a\": 1}```", `{"a": 1}`},
		{"unterminated fence", "```json\n{\"a\": 1}", `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkdownFences(tt.input); got != tt.want {
				t.Errorf("StripMarkdownFences() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain", `{"a": 1}`, `{"a": 1}`, false},
		{"leading prose", `Result: {"a": {"b": 2}} done`, `{"a": {"b": 2}}`, false},
		{"brace in string", `{"a": "x}y"}`, `{"a": "x}y"}`, false},
		{"escaped quote", `{"a": "say \"}\""}`, `{"a": "say \"}\""}`, false},
		{"first of two", `{"a": 1} {"b": 2}`, `{"a": 1}`, false},
		{"none", `no json here`, "", true},
		{"unbalanced", `{"a": {"b": 1}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractObject(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractObject() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrNoObject) {
				t.Errorf("expected ErrNoObject, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractObject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeObjectFencedMatchesPlain(t *testing.T) {
	plain := `{"primary_app": "Excel", "sop_step_count": 5, "app_sequence": ["Excel", "Outlook"]}`
	fenced := "```json " + plain + " ```"

	a, err := DecodeObject(plain)
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	b, err := DecodeObject(fenced)
	if err != nil {
		t.Fatalf("fenced: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("fenced decode differs:\nplain:  %v\nfenced: %v", a, b)
	}
}

func TestDecodeObjectErrors(t *testing.T) {
	if _, err := DecodeObject("the model refused"); !errors.Is(err, ErrNoObject) {
		t.Errorf("expected ErrNoObject, got %v", err)
	}
	if _, err := DecodeObject(`{"a": tru}`); err == nil {
		t.Error("expected invalid JSON error")
	}
}
