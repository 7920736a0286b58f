package config

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/TONresistor/onion-relay/internal/crypto"
)

// Load reads configuration from a JSON or TOML file. Unset fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to a JSON or TOML file
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		var sb strings.Builder
		err = toml.NewEncoder(&sb).Encode(cfg)
		data = []byte(sb.String())
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	if c.Node.ID < 0 {
		return fmt.Errorf("invalid node id: %d", c.Node.ID)
	}
	if c.Relay.ForwardTimeout <= 0 {
		return fmt.Errorf("invalid forward timeout: %d", c.Relay.ForwardTimeout)
	}
	if c.User.PathLength < 1 {
		return fmt.Errorf("invalid path length: %d", c.User.PathLength)
	}
	return nil
}

// Initialize creates the config directory and generates default files
func Initialize(dir string) error {
	dirs := []string{
		dir,
		filepath.Join(dir, "keys"),
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}

	keyPath := filepath.Join(dir, "keys", "relay.key")
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := generateKey(keyPath); err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
	}

	cfgPath := filepath.Join(dir, "config.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := Default()
		cfg.Keys.PrivateKeyPath = keyPath

		if err := Save(cfg, cfgPath); err != nil {
			return err
		}
	}

	return nil
}

// generateKey generates a new RSA private key and saves it as base64 PKCS#8
func generateKey(path string) error {
	_, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	encoded, err := crypto.ExportPrivateKey(priv)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}

	return nil
}

// LoadKey loads a relay private key from a file
func LoadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	priv, err := crypto.ImportPrivateKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}

	return priv, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
