package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const (
	secretService     = "parley"
	openRouterAccount = "openrouter_api_key"
	apiTokenAccount   = "api_token"
)

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func NewKeychain() Keychain {
	return platformKeychain{}
}

// GetAPIToken returns the bearer token protecting the management
// endpoints, generating and storing a fresh one on first use. The
// PARLEY_API_TOKEN environment variable takes precedence when set.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv("PARLEY_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(secretService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
