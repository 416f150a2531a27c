package config

import (
	"sync"
)

// Manager holds the live configuration for a running gateway and fans out
// change notifications after every update. SAVE_CONFIG messages and the
// file watcher both funnel through Update, so readers always see one
// coherent snapshot.
type Manager struct {
	mu        sync.RWMutex
	cfg       *Config
	path      string
	listeners []func(*Config)
}

// NewManager wraps the given configuration. path is where Save persists;
// empty means in-memory only.
func NewManager(cfg *Config, path string) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{cfg: cfg, path: path}
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// Enabled reports whether the engine is turned on by the operator.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.IsEnabled
}

// Update validates and installs a new configuration, persists it when a
// path is configured, and notifies listeners.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	path := m.path
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if path != "" {
		if err := cfg.Save(path); err != nil {
			return err
		}
	}
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Reload re-reads the configuration file and installs the result. Used by
// the file watcher; invalid content is rejected and the previous
// configuration stays live.
func (m *Manager) Reload() error {
	m.mu.RLock()
	path := m.path
	m.mu.RUnlock()
	if path == "" {
		return nil
	}
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// OnChange registers a listener invoked after every successful update.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}
