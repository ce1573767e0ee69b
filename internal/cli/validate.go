package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fpang/workflow-insights/internal/auth"
)

// ValidateAndResolveDirectory checks that the path exists and is a directory,
// then returns the absolute path.
func ValidateAndResolveDirectory(dirPath string) (string, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("directory not found: %s", dirPath)
		}
		return "", fmt.Errorf("failed to access directory %s: %w", dirPath, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", dirPath)
	}
	return absOrSame(dirPath), nil
}

// ResolveSource checks that a discovery source (a recordings directory or a
// manifest file) exists and returns its absolute path.
func ResolveSource(path string) (string, error) {
	if path == "" {
		return "", errors.New("no source given: pass --source or --manifest, or set paths.source_dir")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("source not found: %s", path)
		}
		return "", fmt.Errorf("failed to access source %s: %w", path, err)
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return "", fmt.Errorf("source is neither a directory nor a manifest file: %s", path)
	}
	return absOrSame(path), nil
}

func absOrSame(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// ValidationHint turns an auth.ValidationError into a user-facing hint.
func ValidationHint(err error) string {
	var validationErr *auth.ValidationError
	if !errors.As(err, &validationErr) {
		return "unexpected error during API key validation"
	}
	switch validationErr.Type {
	case auth.ErrTypeNoKey:
		return "no API key configured, set GEMINI_API_KEY or gemini.api_key"
	case auth.ErrTypeInvalidKey:
		return "invalid API key, please check your API key and try again"
	case auth.ErrTypeNetworkError:
		return "network error, please check your internet connection"
	case auth.ErrTypeQuotaExceeded:
		return "API quota exceeded, please try again later or check your usage limits"
	default:
		return "API key validation failed"
	}
}
