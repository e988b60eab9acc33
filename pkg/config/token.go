package config

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/zalando/go-keyring"

	"github.com/caam1406/gastos-bridge/pkg/logger"
)

const (
	keyringService  = "gastos-bridge"
	keyringTokenKey = "api-token"
)

// loadOrCreateToken returns the persisted control-surface token, generating
// and storing a fresh one on first run. On systems without a usable keyring
// the token is ephemeral for the lifetime of the process.
func loadOrCreateToken() string {
	if token, err := keyring.Get(keyringService, keyringTokenKey); err == nil && token != "" {
		return token
	}

	token := generateToken()
	if err := keyring.Set(keyringService, keyringTokenKey, token); err != nil {
		logger.WarnCF("config", "Keyring unavailable, API token is ephemeral", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		logger.InfoC("config", "Generated new API token and stored it in the system keyring")
	}
	return token
}

func generateToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}
