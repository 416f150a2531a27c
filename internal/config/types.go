package config

// BackendConfig identifies the remote analysis service and tenant.
type BackendConfig struct {
	APIURL   string `koanf:"api_url" yaml:"api_url" json:"apiUrl"`
	Enabled  bool   `koanf:"enabled" yaml:"enabled" json:"enabled"`
	ClientID string `koanf:"client_id" yaml:"client_id" json:"clientId"`
	MSPID    string `koanf:"msp_id" yaml:"msp_id" json:"mspId"`
}

// AdvancedSettings tunes the engine's numeric policies. Zero values fall
// back to the documented defaults.
type AdvancedSettings struct {
	// MinTextLength is the shortest text payload ever analyzed; anything
	// shorter passes through without a network call.
	MinTextLength int `koanf:"min_text_length" yaml:"min_text_length" json:"minTextLength"`

	// MaxFileMB is the local file-size ceiling; larger files are blocked
	// without calling the remote scanner.
	MaxFileMB int `koanf:"max_file_mb" yaml:"max_file_mb" json:"maxFileMB"`

	// RequestTimeoutSeconds bounds every analysis request.
	RequestTimeoutSeconds int `koanf:"request_timeout_seconds" yaml:"request_timeout_seconds" json:"requestTimeoutSeconds"`

	// CooldownMS is how long the single-flight guard keeps absorbing
	// duplicate triggers after an analysis completes.
	CooldownMS int `koanf:"cooldown_ms" yaml:"cooldown_ms" json:"cooldownMS"`

	// AuditLimit caps the retained audit log entries.
	AuditLimit int `koanf:"audit_limit" yaml:"audit_limit" json:"auditLimit"`
}

// Config is the persisted configuration object.
type Config struct {
	IsEnabled bool             `koanf:"is_enabled" yaml:"is_enabled" json:"isEnabled"`
	Backend   BackendConfig    `koanf:"backend" yaml:"backend" json:"backendConfig"`
	Advanced  AdvancedSettings `koanf:"advanced" yaml:"advanced" json:"advancedSettings"`
}

// DefaultConfig returns the configuration used before any file exists.
// Protection is on by default; the backend must be pointed somewhere
// explicitly.
func DefaultConfig() *Config {
	return &Config{
		IsEnabled: true,
		Backend: BackendConfig{
			Enabled: true,
		},
		Advanced: AdvancedSettings{
			MinTextLength:         5,
			MaxFileMB:             32,
			RequestTimeoutSeconds: 30,
			CooldownMS:            750,
			AuditLimit:            2000,
		},
	}
}
