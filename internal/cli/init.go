package cli

import (
	"context"
	"fmt"

	"github.com/fpang/workflow-insights/internal/auth"
	"github.com/fpang/workflow-insights/internal/gemini"
	"github.com/rs/zerolog/log"
)

// InitGeminiClient resolves the API key and creates a Gemini client. When
// validate is set the key is confirmed with a minimal request against model.
func InitGeminiClient(ctx context.Context, configuredKey, model string, validate bool) (*gemini.Client, error) {
	apiKey, err := auth.GetAPIKey(configuredKey)
	if err != nil {
		err = &auth.ValidationError{Type: auth.ErrTypeNoKey, Message: "failed to retrieve API key", Err: err}
		return nil, fmt.Errorf("%s: %w", ValidationHint(err), err)
	}

	client, err := gemini.NewClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("connection successful - Gemini client initialized")

	if validate {
		if err := auth.ValidateAPIKey(ctx, client, model); err != nil {
			return nil, fmt.Errorf("%s: %w", ValidationHint(err), err)
		}
		log.Info().Msg("API key validation complete - ready for operations")
	}
	return client, nil
}
