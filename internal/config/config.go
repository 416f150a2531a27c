// Package config loads, validates, and persists the PageShield
// configuration: the engine enable flag, the remote backend coordinates,
// and the advanced numeric settings. YAML on disk with PAGESHIELD_*
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir  = ".pageshield"
	DefaultConfigFile = "config.yaml"
	DefaultStateFile  = "state.db"
	DefaultLogFile    = "verdicts.jsonl"
	tokenFile         = "credential"
)

// Dir returns the config directory, creating it if needed.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(homeDir, DefaultConfigDir)
	if err := ensureDir(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// Load reads configuration from the given YAML file, then overlays
// PAGESHIELD_* environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	if err := k.Load(env.Provider("PAGESHIELD_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PAGESHIELD_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	if c.Backend.Enabled && c.Backend.APIURL == "" {
		return fmt.Errorf("backend.api_url is required when the backend is enabled")
	}
	if c.Backend.APIURL != "" &&
		!strings.HasPrefix(c.Backend.APIURL, "http://") &&
		!strings.HasPrefix(c.Backend.APIURL, "https://") {
		return fmt.Errorf("backend.api_url %q must be an http(s) URL", c.Backend.APIURL)
	}
	if c.Advanced.MinTextLength < 0 {
		return fmt.Errorf("advanced.min_text_length must not be negative")
	}
	if c.Advanced.MaxFileMB < 0 {
		return fmt.Errorf("advanced.max_file_mb must not be negative")
	}
	return nil
}

// LoadToken reads the stored bearer credential. ok is false when none is
// stored.
func LoadToken() (token string, ok bool) {
	dir, err := Dir()
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(dir, tokenFile))
	if err != nil {
		return "", false
	}
	tok := strings.TrimSpace(string(data))
	return tok, tok != ""
}

// SaveToken stores the bearer credential with owner-only permissions.
func SaveToken(token string) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, tokenFile), []byte(token+"\n"), 0o600)
}

// ClearToken removes the stored credential.
func ClearToken() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, tokenFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func ensureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0o700)
	}
	return nil
}
