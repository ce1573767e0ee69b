package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fpang/workflow-insights/internal/gemini"
	"google.golang.org/genai"
)

type fakePinger struct {
	err   error
	model string
}

func (p *fakePinger) Ping(ctx context.Context, model string) error {
	p.model = model
	return p.err
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ValidationErrorType
		wantNil  bool
	}{
		{"success", nil, 0, true},
		{"unauthorized", genai.APIError{Code: 401}, ErrTypeInvalidKey, false},
		{"forbidden pointer", &genai.APIError{Code: 403}, ErrTypeInvalidKey, false},
		{"bad request", genai.APIError{Code: 400}, ErrTypeInvalidKey, false},
		{"rate limited", genai.APIError{Code: 429}, ErrTypeQuotaExceeded, false},
		{"server error", genai.APIError{Code: 503}, ErrTypeNetworkError, false},
		{"other api error", genai.APIError{Code: 418, Message: "teapot"}, ErrTypeUnknown, false},
		{"invalid key text", errors.New("API key not valid. Please pass a valid API key."), ErrTypeInvalidKey, false},
		{"quota text", errors.New("Quota exceeded"), ErrTypeQuotaExceeded, false},
		{"network text", errors.New("dial tcp: no such host"), ErrTypeNetworkError, false},
		{"empty response", fmt.Errorf("ping: %w", gemini.ErrEmptyResponse), ErrTypeUnknown, false},
		{"unknown", errors.New("something odd"), ErrTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePinger{err: tt.err}
			err := ValidateAPIKey(context.Background(), p, "gemini-test")
			if p.model != "gemini-test" {
				t.Errorf("model not passed through: %q", p.model)
			}
			if tt.wantNil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected ValidationError, got %T (%v)", err, err)
			}
			if valErr.Type != tt.wantType {
				t.Errorf("type = %v, want %v", valErr.Type, tt.wantType)
			}
			if errors.Unwrap(err) == nil {
				t.Error("ValidationError should unwrap to the cause")
			}
		})
	}
}

func TestValidationErrorTypeString(t *testing.T) {
	if ErrTypeQuotaExceeded.String() != "quota" || ErrTypeUnknown.String() != "unknown" {
		t.Error("unexpected metric labels")
	}
}
