package auth

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	credentialDir  = ".workflow-insights"
	credentialFile = "credentials.gpg"
)

// GetAPIKey resolves the Gemini API key.
// Priority order:
//  1. configured (from the config file or WORKFLOW_GEMINI_API_KEY)
//  2. GEMINI_API_KEY environment variable
//  3. GPG-encrypted file at ~/.workflow-insights/credentials.gpg
func GetAPIKey(configured string) (string, error) {
	if key := strings.TrimSpace(configured); key != "" {
		log.Debug().Msg("Using API key from configuration")
		return key, nil
	}

	if key := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); key != "" {
		log.Debug().Msg("Using API key from environment variable")
		return key, nil
	}

	key, err := getFromGPG()
	if err == nil && key != "" {
		log.Debug().Msg("Using API key from GPG encrypted file")
		return key, nil
	}

	log.Debug().Err(err).Msg("No GPG credentials available")
	return "", fmt.Errorf("API key not found: set GEMINI_API_KEY or gemini.api_key, or store it in ~/%s/%s", credentialDir, credentialFile)
}

// getFromGPG decrypts the API key from the GPG-encrypted credentials file.
func getFromGPG() (string, error) {
	credPath, err := getCredentialPath()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(credPath); os.IsNotExist(err) {
		return "", fmt.Errorf("GPG credentials file not found at %s", credPath)
	}

	log.Debug().Str("file", credPath).Msg("Decrypting GPG credentials")

	args := []string{"--decrypt", "--quiet"}

	// A passphrase file allows unattended decryption (cron, watch mode).
	if passphrasePath, err := getPassphrasePath(); err == nil {
		if fi, statErr := os.Stat(passphrasePath); statErr == nil {
			if fi.Mode().Perm()&0077 != 0 {
				log.Warn().
					Str("passphrase_file", passphrasePath).
					Str("permissions", fmt.Sprintf("%04o", fi.Mode().Perm())).
					Msg("Passphrase file has insecure permissions (should be 0600); skipping")
			} else {
				args = append(args, "--pinentry-mode", "loopback", "--passphrase-file", passphrasePath)
			}
		}
	}

	args = append(args, credPath)
	output, err := exec.Command("gpg", args...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("GPG decryption failed: %s", string(exitErr.Stderr))
		}
		return "", fmt.Errorf("GPG decryption failed: %w", err)
	}

	return strings.TrimSpace(string(output)), nil
}

func getCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, credentialDir, credentialFile), nil
}

// getPassphrasePath returns the passphrase file next to the credentials file.
func getPassphrasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, credentialDir, ".gpg-passphrase"), nil
}
