package gemini

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fpang/workflow-insights/internal/metrics"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// Client implements Service on top of the genai SDK.
type Client struct {
	genai *genai.Client
}

// NewClient creates a Gemini API client for apiKey.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Client{genai: c}, nil
}

// Upload sends the file at path to the Files API.
func (c *Client) Upload(ctx context.Context, path string) (RemoteFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	mimeType := mimeTypeFor(path)

	log.Debug().
		Str("path", path).
		Int64("size_bytes", info.Size()).
		Str("mime_type", mimeType).
		Msg("Starting Gemini Files API upload")

	start := time.Now()
	file, err := c.genai.Files.Upload(ctx, f, &genai.UploadFileConfig{
		MIMEType: mimeType,
	})
	elapsed := time.Since(start)

	m := metrics.New(metrics.Namespace).
		Dimension("Operation", "filesApiUpload").
		Metric("GeminiFilesApiUploadMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Count("GeminiApiCalls")
	if err != nil {
		m.Count("GeminiApiErrors")
	}
	m.Flush()

	if err != nil {
		return nil, Classify(fmt.Errorf("failed to upload file: %w", err))
	}

	log.Debug().
		Str("name", file.Name).
		Str("uri", file.URI).
		Dur("upload_duration", elapsed).
		Msg("Video uploaded")

	return &remoteFile{client: c.genai, file: file}, nil
}

// Generate issues one GenerateContent call and returns the response text.
// A blocked prompt or candidate is reported as a KindContentBlocked error.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	var parts []*genai.Part
	if req.File != nil {
		parts = append(parts, &genai.Part{
			FileData: &genai.FileData{
				MIMEType: req.File.MIMEType(),
				FileURI:  req.File.URI(),
			},
		})
	}
	parts = append(parts, &genai.Part{Text: req.Prompt})
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](req.Temperature),
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}

	log.Debug().
		Str("model", req.Model).
		Str("operation", req.Operation).
		Int("prompt_length", len(req.Prompt)).
		Bool("has_file", req.File != nil).
		Msg("Starting Gemini API call")

	start := time.Now()
	resp, err := c.genai.Models.GenerateContent(ctx, req.Model, contents, config)
	elapsed := time.Since(start)

	m := metrics.New(metrics.Namespace).
		Dimension("Operation", req.Operation).
		Metric("GeminiApiLatencyMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
		Count("GeminiApiCalls")
	if err != nil {
		m.Count("GeminiApiErrors")
	}
	if resp != nil && resp.UsageMetadata != nil {
		m.Metric("GeminiInputTokens", float64(resp.UsageMetadata.PromptTokenCount), metrics.UnitCount)
		m.Metric("GeminiOutputTokens", float64(resp.UsageMetadata.CandidatesTokenCount), metrics.UnitCount)
	}
	m.Flush()

	if err != nil {
		return "", Classify(fmt.Errorf("failed to generate content: %w", err))
	}
	if reason := blockReason(resp); reason != "" {
		return "", &CallError{Kind: KindContentBlocked, Err: fmt.Errorf("%w: %s", ErrBlocked, reason)}
	}
	if resp == nil {
		return "", nil
	}
	return resp.Text(), nil
}

// ErrEmptyResponse is returned by Ping when the service answers without
// candidates.
var ErrEmptyResponse = errors.New("empty response")

// Ping issues a minimal text request to confirm the key and model work.
func (c *Client) Ping(ctx context.Context, model string) error {
	resp, err := c.genai.Models.GenerateContent(ctx, model, genai.Text("hi"), nil)
	if err != nil {
		return err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return ErrEmptyResponse
	}
	return nil
}

// blockReason returns why the response was blocked, or "" if it was not.
func blockReason(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != genai.BlockedReasonUnspecified {
		return "prompt blocked: " + string(fb.BlockReason)
	}
	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		switch cand.FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist, genai.FinishReasonSPII:
			return "finish reason " + string(cand.FinishReason)
		}
	}
	return ""
}

type remoteFile struct {
	client *genai.Client
	file   *genai.File
}

func (r *remoteFile) Name() string     { return r.file.Name }
func (r *remoteFile) URI() string      { return r.file.URI }
func (r *remoteFile) MIMEType() string { return r.file.MIMEType }

// State fetches the current state unless the file already left processing.
func (r *remoteFile) State(ctx context.Context) (FileState, error) {
	if r.file.State == genai.FileStateProcessing {
		file, err := r.client.Files.Get(ctx, r.file.Name, nil)
		if err != nil {
			return StateUnknown, Classify(fmt.Errorf("failed to get file state: %w", err))
		}
		r.file = file
	}
	switch r.file.State {
	case genai.FileStateProcessing:
		return StateProcessing, nil
	case genai.FileStateActive:
		return StateActive, nil
	case genai.FileStateFailed:
		return StateFailed, nil
	default:
		return StateUnknown, nil
	}
}

func (r *remoteFile) Delete(ctx context.Context) error {
	if _, err := r.client.Files.Delete(ctx, r.file.Name, nil); err != nil {
		return fmt.Errorf("failed to delete %s: %w", r.file.Name, err)
	}
	return nil
}

var videoMIMETypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
}

func mimeTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := videoMIMETypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
