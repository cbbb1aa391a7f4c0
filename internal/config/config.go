// Package config loads the JSON configuration of the spatialsync service.
//
// Every field is optional: the Get* accessors fall back to the built-in
// defaults, so partial files are safe.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the example configuration shipped with the repo.
const DefaultConfigPath = "config/spatialsync.example.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration.
type Config struct {
	// Context service
	MaxDeltaTimeMs        *float64 `json:"max_delta_time_ms,omitempty"`
	FloorOffset           *float64 `json:"floor_offset,omitempty"`
	UserHeight            *float64 `json:"user_height,omitempty"`
	DefaultReferenceFrame *string  `json:"default_reference_frame,omitempty"`

	// Provider
	MaxSessions      *int    `json:"max_sessions,omitempty"`
	SessionQueueSize *int    `json:"session_queue_size,omitempty"`
	SendTimeout      *string `json:"send_timeout,omitempty"` // duration string like "2s"

	// Network
	ListenAddr *string `json:"listen_addr,omitempty"`
	DebugAddr  *string `json:"debug_addr,omitempty"`

	// Site store
	SiteDBPath *string `json:"site_db_path,omitempty"`
	SiteAnchor *string `json:"site_anchor,omitempty"` // anchor name to activate at startup

	// Synthetic source
	Synthetic          *bool    `json:"synthetic,omitempty"`
	SyntheticFrameRate *float64 `json:"synthetic_frame_rate,omitempty"`
	SyntheticTracking  *string  `json:"synthetic_tracking,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefault loads DefaultConfigPath, searching parent directories so
// tests can call it from any package. It panics when the file is missing.
func MustLoadDefault() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the configured values.
func (c *Config) Validate() error {
	if c.MaxDeltaTimeMs != nil && !(*c.MaxDeltaTimeMs > 0) {
		return fmt.Errorf("max_delta_time_ms must be positive, got %f", *c.MaxDeltaTimeMs)
	}
	if c.FloorOffset != nil && !isFinite(*c.FloorOffset) {
		return fmt.Errorf("floor_offset must be finite")
	}
	if c.UserHeight != nil && (!isFinite(*c.UserHeight) || *c.UserHeight <= 0) {
		return fmt.Errorf("user_height must be positive, got %f", *c.UserHeight)
	}
	if c.DefaultReferenceFrame != nil && strings.TrimSpace(*c.DefaultReferenceFrame) == "" {
		return fmt.Errorf("default_reference_frame must not be blank")
	}
	if c.MaxSessions != nil && *c.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", *c.MaxSessions)
	}
	if c.SessionQueueSize != nil && *c.SessionQueueSize < 1 {
		return fmt.Errorf("session_queue_size must be at least 1, got %d", *c.SessionQueueSize)
	}
	if c.SendTimeout != nil && *c.SendTimeout != "" {
		d, err := time.ParseDuration(*c.SendTimeout)
		if err != nil {
			return fmt.Errorf("invalid send_timeout '%s': %w", *c.SendTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("send_timeout must be positive, got %s", d)
		}
	}
	if c.SyntheticFrameRate != nil && (*c.SyntheticFrameRate <= 0 || *c.SyntheticFrameRate > 240) {
		return fmt.Errorf("synthetic_frame_rate must be in (0, 240], got %f", *c.SyntheticFrameRate)
	}
	if c.SyntheticTracking != nil {
		switch *c.SyntheticTracking {
		case "none", "3DOF", "6DOF":
		default:
			return fmt.Errorf("synthetic_tracking must be one of none, 3DOF, 6DOF, got %q", *c.SyntheticTracking)
		}
	}
	return nil
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// GetMaxDeltaTimeMs returns max_delta_time_ms or the default.
func (c *Config) GetMaxDeltaTimeMs() float64 {
	if c.MaxDeltaTimeMs == nil {
		return 1000.0 / 3
	}
	return *c.MaxDeltaTimeMs
}

// GetFloorOffset returns floor_offset or the default.
func (c *Config) GetFloorOffset() float64 {
	if c.FloorOffset == nil {
		return 0
	}
	return *c.FloorOffset
}

// GetUserHeight returns user_height or the default.
func (c *Config) GetUserHeight() float64 {
	if c.UserHeight == nil {
		return 1.6
	}
	return *c.UserHeight
}

// GetDefaultReferenceFrame returns default_reference_frame or the default.
func (c *Config) GetDefaultReferenceFrame() string {
	if c.DefaultReferenceFrame == nil {
		return "origin"
	}
	return *c.DefaultReferenceFrame
}

// GetMaxSessions returns max_sessions or the default.
func (c *Config) GetMaxSessions() int {
	if c.MaxSessions == nil {
		return 32
	}
	return *c.MaxSessions
}

// GetSessionQueueSize returns session_queue_size or the default.
func (c *Config) GetSessionQueueSize() int {
	if c.SessionQueueSize == nil {
		return 8
	}
	return *c.SessionQueueSize
}

// GetSendTimeout parses send_timeout, falling back to the default.
func (c *Config) GetSendTimeout() time.Duration {
	if c.SendTimeout == nil || *c.SendTimeout == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(*c.SendTimeout)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetListenAddr returns listen_addr or the default.
func (c *Config) GetListenAddr() string {
	if c.ListenAddr == nil {
		return "localhost:50061"
	}
	return *c.ListenAddr
}

// GetDebugAddr returns debug_addr or the default. An empty value disables the
// debug HTTP server.
func (c *Config) GetDebugAddr() string {
	if c.DebugAddr == nil {
		return "localhost:8061"
	}
	return *c.DebugAddr
}

// GetSiteDBPath returns site_db_path. Empty disables the site store.
func (c *Config) GetSiteDBPath() string {
	if c.SiteDBPath == nil {
		return ""
	}
	return *c.SiteDBPath
}

// GetSiteAnchor returns the name of the anchor to activate at startup, if any.
func (c *Config) GetSiteAnchor() string {
	if c.SiteAnchor == nil {
		return ""
	}
	return *c.SiteAnchor
}

// GetSynthetic reports whether the synthetic source drives the service.
func (c *Config) GetSynthetic() bool {
	if c.Synthetic == nil {
		return false
	}
	return *c.Synthetic
}

// GetSyntheticFrameRate returns synthetic_frame_rate or the default.
func (c *Config) GetSyntheticFrameRate() float64 {
	if c.SyntheticFrameRate == nil {
		return 30
	}
	return *c.SyntheticFrameRate
}

// GetSyntheticTracking returns synthetic_tracking or the default.
func (c *Config) GetSyntheticTracking() string {
	if c.SyntheticTracking == nil {
		return "6DOF"
	}
	return *c.SyntheticTracking
}
