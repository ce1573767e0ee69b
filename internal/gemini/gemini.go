// Package gemini is the boundary to the Gemini Files and Models APIs.
//
// The analysis engine depends only on the Service and RemoteFile interfaces
// defined here. Errors crossing the boundary are classified once into an
// ErrorKind so retry policy never inspects SDK types or message text.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// FileState is the processing state of an uploaded file.
type FileState string

const (
	StateProcessing FileState = "PROCESSING"
	StateActive     FileState = "ACTIVE"
	StateFailed     FileState = "FAILED"
	StateUnknown    FileState = "UNKNOWN"
)

// RemoteFile is a handle to a file held by the service.
type RemoteFile interface {
	Name() string
	URI() string
	MIMEType() string
	// State refreshes and returns the processing state.
	State(ctx context.Context) (FileState, error)
	Delete(ctx context.Context) error
}

// Request is a single generate-content call. File is nil for text-only calls.
type Request struct {
	Model       string
	File        RemoteFile
	Prompt      string
	Temperature float32
	// JSON requests an application/json response.
	JSON bool
	// Operation labels the call in logs and metrics.
	Operation string
}

// Service uploads files and generates content.
type Service interface {
	Upload(ctx context.Context, path string) (RemoteFile, error)
	Generate(ctx context.Context, req Request) (string, error)
}

// ErrorKind classifies a failed call for retry decisions.
type ErrorKind int

const (
	// KindTransient covers server errors, network failures and anything
	// unrecognised. Retried after a fixed delay.
	KindTransient ErrorKind = iota
	// KindRateLimited is a 429 / quota error. Retried with exponential backoff.
	KindRateLimited
	// KindContentBlocked is a safety refusal. Never retried.
	KindContentBlocked
	// KindFatal is a request the service will never accept (bad request,
	// auth, not found) or a cancelled context. Never retried.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindContentBlocked:
		return "content_blocked"
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Retryable reports whether a call failing with this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// CallError is a classified service error.
type CallError struct {
	Kind ErrorKind
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// ErrBlocked is wrapped by content-blocked CallErrors built from response
// feedback rather than an API error.
var ErrBlocked = errors.New("response blocked by safety filters")

// KindOf returns the kind of err, classifying it if it is not a CallError.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return classify(err)
}

// Classify wraps err in a CallError. Already classified errors are returned
// unchanged; nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return err
	}
	return &CallError{Kind: classify(err), Err: err}
}

func classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if errors.Is(err, ErrBlocked) {
		return KindContentBlocked
	}

	if apiErr, ok := AsAPIError(err); ok {
		status := strings.ToUpper(apiErr.Status)
		switch {
		case apiErr.Code == 429 || status == "RESOURCE_EXHAUSTED":
			return KindRateLimited
		case apiErr.Code == 400 && mentionsSafety(apiErr.Message):
			return KindContentBlocked
		case apiErr.Code == 400, apiErr.Code == 401, apiErr.Code == 403, apiErr.Code == 404:
			return KindFatal
		default:
			return KindTransient
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case mentionsSafety(msg):
		return KindContentBlocked
	default:
		return KindTransient
	}
}

func mentionsSafety(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "safety") || strings.Contains(msg, "blocked")
}

// AsAPIError matches both value and pointer forms of genai.APIError.
func AsAPIError(err error) (genai.APIError, bool) {
	var val genai.APIError
	if errors.As(err, &val) {
		return val, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return genai.APIError{}, false
}
