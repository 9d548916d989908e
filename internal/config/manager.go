package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/rs/zerolog"
)

// ErrInvalidKey is returned by Set/Value for keys the document doesn't have.
var ErrInvalidKey = errors.New("unknown config key")

// Keys lists the settable scalar keys, sorted.
var Keys = []string{
	"config_port",
	"http_port",
	"layouts_dir",
	"log_level",
	"pi_host",
	"pi_port",
	"profile_debounce",
	"update_interval",
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	// extra keeps keys this version doesn't know so a rewrite doesn't drop them.
	extra map[string]json.RawMessage
	// persisted holds the on-disk value of every overridden key.
	persisted map[string]json.RawMessage
	log       zerolog.Logger
	mu        sync.RWMutex
}

// DefaultPath returns $XDG_CONFIG_HOME/statdeck/config.json (or the
// platform equivalent).
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "statdeck", "config.json"), nil
}

// NewManager loads the configuration at configFile, or the default path
// when empty. A missing or unreadable document is not an error: defaults are
// used and the problem is logged.
func NewManager(configFile string, log zerolog.Logger) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	m := &Manager{
		configPath: path,
		log:        log,
	}

	if err := m.load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("Config file not found, using defaults")
		} else {
			log.Warn().Err(err).Str("path", path).Msg("Config file unreadable, using defaults")
		}
		m.config = Defaults()
		m.extra = nil
	}

	log.Info().
		Str("path", m.configPath).
		Str("pi_host", m.config.PiHost).
		Float64("update_interval", m.config.UpdateInterval).
		Float64("profile_debounce", m.config.ProfileDebounce).
		Msg("Config loaded")

	return m, nil
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Defaults()
	extra := make(map[string]json.RawMessage)
	for key, value := range raw {
		if err := cfg.setJSON(key, value); err != nil {
			if errors.Is(err, ErrInvalidKey) {
				extra[key] = value
				continue
			}
			m.log.Warn().Err(err).Str("key", key).Msg("Ignoring bad config value, using default")
		}
	}
	cfg.normalize()

	m.mu.Lock()
	m.config = cfg
	m.extra = extra
	m.mu.Unlock()
	return nil
}

// setJSON decodes one persisted key into the struct field.
func (c *Config) setJSON(key string, value json.RawMessage) error {
	var target any
	switch key {
	case "pi_host":
		target = &c.PiHost
	case "pi_port":
		target = &c.PiPort
	case "config_port":
		target = &c.ConfigPort
	case "http_port":
		target = &c.HTTPPort
	case "update_interval":
		target = &c.UpdateInterval
	case "profile_debounce":
		target = &c.ProfileDebounce
	case "layouts_dir":
		target = &c.LayoutsDir
	case "log_level":
		target = &c.LogLevel
	case "layout":
		target = &c.Layout
	default:
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return json.Unmarshal(value, target)
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.clone()
}

// Save atomically rewrites the configuration file: the document is written
// to a temporary file in the same directory and renamed over the original.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := m.marshalLocked()
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmpName, m.configPath); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}

	m.log.Debug().Str("path", m.configPath).Msg("Config saved")
	return nil
}

// marshalLocked renders the document with unknown keys merged back in.
// Caller must hold at least the read lock.
func (m *Manager) marshalLocked() ([]byte, error) {
	known, err := json.Marshal(m.config)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]json.RawMessage, len(m.extra)+len(Keys)+1)
	for k, v := range m.extra {
		doc[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		doc[k] = v
	}
	for k, v := range m.persisted {
		doc[k] = v
	}
	return json.MarshalIndent(doc, "", "    ")
}

// SetTuning updates the sampling interval and profile debounce and persists
// both. Values below the floors are raised to them.
func (m *Manager) SetTuning(interval, debounce time.Duration) error {
	if interval < MinUpdateInterval {
		interval = MinUpdateInterval
	}
	if debounce < MinProfileDebounce {
		debounce = MinProfileDebounce
	}

	m.mu.Lock()
	m.config.UpdateInterval = interval.Seconds()
	m.config.ProfileDebounce = debounce.Seconds()
	m.mu.Unlock()

	m.log.Info().
		Dur("update_interval", interval).
		Dur("profile_debounce", debounce).
		Msg("Tuning updated")
	return m.Save()
}

// SetLayout replaces the layout kept in the document. It is written out with
// the next Save.
func (m *Manager) SetLayout(l layout.Layout) {
	l = l.Clone()
	m.mu.Lock()
	m.config.Layout = l
	m.mu.Unlock()
}

// Set assigns a scalar key from its string form and persists the result.
func (m *Manager) Set(key, value string) error {
	if err := m.assign(key, value, true); err != nil {
		return err
	}
	return m.Save()
}

// Override assigns a scalar key in memory only; used for flag and
// environment overrides that must not be written back, even by a later Save.
func (m *Manager) Override(key, value string) error {
	return m.assign(key, value, false)
}

func (m *Manager) assign(key, value string, persist bool) error {
	encoded, err := encodeScalar(key, value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.config.clone()
	if err := cfg.setJSON(key, encoded); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	cfg.normalize()

	if persist {
		delete(m.persisted, key)
	} else if _, ok := m.persisted[key]; !ok {
		current, err := fieldJSON(m.config, key)
		if err != nil {
			return err
		}
		if m.persisted == nil {
			m.persisted = make(map[string]json.RawMessage)
		}
		m.persisted[key] = current
	}
	m.config = cfg
	return nil
}

// fieldJSON returns the JSON encoding of one document key.
func fieldJSON(c *Config, key string) (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields[key], nil
}

// Value returns a scalar key rendered as a string.
func (m *Manager) Value(key string) (string, error) {
	cfg := m.Get()
	switch key {
	case "pi_host":
		return cfg.PiHost, nil
	case "pi_port":
		return strconv.Itoa(cfg.PiPort), nil
	case "config_port":
		return strconv.Itoa(cfg.ConfigPort), nil
	case "http_port":
		return strconv.Itoa(cfg.HTTPPort), nil
	case "update_interval":
		return strconv.FormatFloat(cfg.UpdateInterval, 'f', -1, 64), nil
	case "profile_debounce":
		return strconv.FormatFloat(cfg.ProfileDebounce, 'f', -1, 64), nil
	case "layouts_dir":
		return cfg.LayoutsDir, nil
	case "log_level":
		return cfg.LogLevel, nil
	}
	return "", fmt.Errorf("%w: %s (valid: %s)", ErrInvalidKey, key, strings.Join(Keys, ", "))
}

// encodeScalar turns a CLI string into the JSON the key expects.
func encodeScalar(key, value string) (json.RawMessage, error) {
	switch key {
	case "pi_host", "layouts_dir":
		return json.Marshal(value)
	case "log_level":
		switch value {
		case "debug", "info", "warn", "error":
			return json.Marshal(value)
		}
		return nil, fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", value)
	case "pi_port", "config_port", "http_port":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", value)
		}
		return json.Marshal(n)
	case "update_interval", "profile_debounce":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid duration in seconds: %s", value)
		}
		return json.Marshal(f)
	}
	valid := append([]string(nil), Keys...)
	sort.Strings(valid)
	return nil, fmt.Errorf("%w: %s (valid: %s)", ErrInvalidKey, key, strings.Join(valid, ", "))
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// LayoutsPath resolves layouts_dir; relative paths are taken from the
// config file's directory.
func (m *Manager) LayoutsPath() string {
	dir := m.Get().LayoutsDir
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(m.GetConfigDir(), dir)
}
