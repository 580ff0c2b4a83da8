package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

const tokenFileName = ".token"

// Token returns the persisted security token, creating and saving a fresh
// one on first run. Clients must present it on every HTTP request.
func Token() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", fmt.Errorf("resolving config dir: %w", err)
	}
	path := filepath.Join(dir, tokenFileName)
	if data, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Printf("⚠️ Unable to create %s, token will not persist: %v", dir, err)
		return token, nil
	}
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		log.Printf("⚠️ Unable to save token to %s: %v", path, err)
	}
	return token, nil
}
