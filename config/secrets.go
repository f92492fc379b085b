package config

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/hashicorp/vault/api"
	"github.com/kelseyhightower/envconfig"
	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

// Secrets are read from WALLET_* environment variables only, never from
// the YAML file.
type Secrets struct {
	// CipherKey is the 32 byte data-encryption key, hex or base64.
	CipherKey string `envconfig:"CIPHER_KEY"`

	VaultAddr  string `envconfig:"VAULT_ADDR"`
	VaultToken string `envconfig:"VAULT_TOKEN"`
	VaultPath  string `envconfig:"VAULT_PATH" default:"secret/data/hdwallet"`
	VaultField string `envconfig:"VAULT_FIELD" default:"cipher_key"`
}

// LoadSecrets processes the WALLET_ prefixed environment.
func LoadSecrets() (*Secrets, error) {
	var s Secrets
	if err := envconfig.Process("WALLET", &s); err != nil {
		return nil, fmt.Errorf("failed to process secrets: %w", err)
	}
	return &s, nil
}

// LoadCipherKey returns the cipher key from WALLET_CIPHER_KEY, or from the
// configured Vault KV path when the variable is unset.
func (s *Secrets) LoadCipherKey(ctx context.Context) ([]byte, error) {
	if s.CipherKey != "" {
		return decodeKey(s.CipherKey)
	}
	if s.VaultAddr == "" {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeCipherKeyLoad, "load cipher key",
			fmt.Errorf("neither WALLET_CIPHER_KEY nor WALLET_VAULT_ADDR is set"))
	}

	vaultConfig := api.DefaultConfig()
	if err := vaultConfig.ReadEnvironment(); err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeCipherKeyLoad, "vault env", err)
	}
	vaultConfig.Address = s.VaultAddr

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeCipherKeyLoad, "vault client", err)
	}
	if s.VaultToken != "" {
		client.SetToken(s.VaultToken)
	}

	secret, err := client.Logical().ReadWithContext(ctx, s.VaultPath)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeCipherKeyLoad, "vault read", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeCipherKeyLoad, "vault read",
			fmt.Errorf("no secret at %s", s.VaultPath))
	}

	data := secret.Data
	// KV v2 nests the fields under "data".
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	raw, ok := data[s.VaultField].(string)
	if !ok || raw == "" {
		return nil, wrapErrors.WrapWithCode(wrapErrors.CodeCipherKeyLoad, "vault read",
			fmt.Errorf("field %q missing at %s", s.VaultField, s.VaultPath))
	}
	return decodeKey(raw)
}

func decodeKey(s string) ([]byte, error) {
	if key, err := hex.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, wrapErrors.WrapWithCode(wrapErrors.CodeCipherKeyLoad, "decode cipher key",
		fmt.Errorf("key must be 32 bytes, hex or base64 encoded"))
}
