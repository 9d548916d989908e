package config

import (
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/layout"
)

// Defaults applied field-by-field when the document or a key is missing.
const (
	DefaultPiHost          = "missioncontrol.local"
	DefaultPiPort          = 5556
	DefaultConfigPort      = 5555
	DefaultHTTPPort        = 8080
	DefaultUpdateInterval  = 0.5
	DefaultProfileDebounce = 1.0
	DefaultLayoutsDir      = "layouts"
	DefaultLogLevel        = "info"
)

// Tuning floors enforced on every write path.
const (
	MinUpdateInterval  = 100 * time.Millisecond
	MinProfileDebounce = 500 * time.Millisecond
)

// Config is the persisted service configuration
type Config struct {
	PiHost          string        `json:"pi_host" yaml:"pi_host"`
	PiPort          int           `json:"pi_port" yaml:"pi_port"`
	ConfigPort      int           `json:"config_port" yaml:"config_port"`
	HTTPPort        int           `json:"http_port" yaml:"http_port"`
	UpdateInterval  float64       `json:"update_interval" yaml:"update_interval"`   // seconds
	ProfileDebounce float64       `json:"profile_debounce" yaml:"profile_debounce"` // seconds
	LayoutsDir      string        `json:"layouts_dir" yaml:"layouts_dir"`
	LogLevel        string        `json:"log_level" yaml:"log_level"`
	Layout          layout.Layout `json:"layout" yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		PiHost:          DefaultPiHost,
		PiPort:          DefaultPiPort,
		ConfigPort:      DefaultConfigPort,
		HTTPPort:        DefaultHTTPPort,
		UpdateInterval:  DefaultUpdateInterval,
		ProfileDebounce: DefaultProfileDebounce,
		LayoutsDir:      DefaultLayoutsDir,
		LogLevel:        DefaultLogLevel,
		Layout:          layout.Layout("{}"),
	}
}

// Interval is UpdateInterval as a duration.
func (c *Config) Interval() time.Duration {
	return secondsToDuration(c.UpdateInterval)
}

// Debounce is ProfileDebounce as a duration.
func (c *Config) Debounce() time.Duration {
	return secondsToDuration(c.ProfileDebounce)
}

// normalize replaces missing or nonsensical values with defaults.
func (c *Config) normalize() {
	d := Defaults()
	if c.PiHost == "" {
		c.PiHost = d.PiHost
	}
	if c.PiPort <= 0 {
		c.PiPort = d.PiPort
	}
	if c.ConfigPort <= 0 {
		c.ConfigPort = d.ConfigPort
	}
	if c.HTTPPort <= 0 {
		c.HTTPPort = d.HTTPPort
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = d.UpdateInterval
	}
	if c.ProfileDebounce <= 0 {
		c.ProfileDebounce = d.ProfileDebounce
	}
	if c.LayoutsDir == "" {
		c.LayoutsDir = d.LayoutsDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if len(c.Layout) == 0 {
		c.Layout = d.Layout
	}
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Layout = c.Layout.Clone()
	return &cp
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
