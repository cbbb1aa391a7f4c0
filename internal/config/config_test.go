package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestGetterDefaults(t *testing.T) {
	cfg := Empty()

	if got := cfg.GetMaxDeltaTimeMs(); got != 1000.0/3 {
		t.Errorf("GetMaxDeltaTimeMs() = %f, want %f", got, 1000.0/3)
	}
	if got := cfg.GetUserHeight(); got != 1.6 {
		t.Errorf("GetUserHeight() = %f, want 1.6", got)
	}
	if got := cfg.GetFloorOffset(); got != 0 {
		t.Errorf("GetFloorOffset() = %f, want 0", got)
	}
	if got := cfg.GetDefaultReferenceFrame(); got != "origin" {
		t.Errorf("GetDefaultReferenceFrame() = %q, want origin", got)
	}
	if got := cfg.GetMaxSessions(); got != 32 {
		t.Errorf("GetMaxSessions() = %d, want 32", got)
	}
	if got := cfg.GetSessionQueueSize(); got != 8 {
		t.Errorf("GetSessionQueueSize() = %d, want 8", got)
	}
	if got := cfg.GetSendTimeout(); got != 2*time.Second {
		t.Errorf("GetSendTimeout() = %v, want 2s", got)
	}
	if got := cfg.GetListenAddr(); got != "localhost:50061" {
		t.Errorf("GetListenAddr() = %q", got)
	}
	if got := cfg.GetDebugAddr(); got != "localhost:8061" {
		t.Errorf("GetDebugAddr() = %q", got)
	}
	if cfg.GetSiteDBPath() != "" || cfg.GetSiteAnchor() != "" {
		t.Error("site store should be disabled by default")
	}
	if cfg.GetSynthetic() {
		t.Error("synthetic should be off by default")
	}
	if got := cfg.GetSyntheticFrameRate(); got != 30 {
		t.Errorf("GetSyntheticFrameRate() = %f, want 30", got)
	}
	if got := cfg.GetSyntheticTracking(); got != "6DOF" {
		t.Errorf("GetSyntheticTracking() = %q, want 6DOF", got)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "spatialsync.json", `{
  "max_delta_time_ms": 100,
  "user_height": 1.75,
  "default_reference_frame": "stage",
  "send_timeout": "250ms",
  "site_db_path": "/var/lib/spatialsync/site.db",
  "site_anchor": "lab",
  "synthetic": true
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GetMaxDeltaTimeMs() != 100 {
		t.Errorf("max delta = %f, want 100", cfg.GetMaxDeltaTimeMs())
	}
	if cfg.GetUserHeight() != 1.75 {
		t.Errorf("user height = %f, want 1.75", cfg.GetUserHeight())
	}
	if cfg.GetDefaultReferenceFrame() != "stage" {
		t.Errorf("reference frame = %q, want stage", cfg.GetDefaultReferenceFrame())
	}
	if cfg.GetSendTimeout() != 250*time.Millisecond {
		t.Errorf("send timeout = %v, want 250ms", cfg.GetSendTimeout())
	}
	if cfg.GetSiteAnchor() != "lab" || cfg.GetSiteDBPath() == "" {
		t.Errorf("site store settings not loaded: %q %q", cfg.GetSiteDBPath(), cfg.GetSiteAnchor())
	}
	if !cfg.GetSynthetic() {
		t.Error("synthetic should be on")
	}
	// Unset fields keep their defaults.
	if cfg.GetMaxSessions() != 32 {
		t.Errorf("max sessions = %d, want default 32", cfg.GetMaxSessions())
	}
}

func TestLoadExampleConfigFile(t *testing.T) {
	cfg := MustLoadDefault()
	if cfg.GetListenAddr() != "localhost:50061" {
		t.Errorf("example listen addr = %q", cfg.GetListenAddr())
	}
	if cfg.GetDefaultReferenceFrame() != "origin" {
		t.Errorf("example reference frame = %q", cfg.GetDefaultReferenceFrame())
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"non json extension", "config.yaml", `{}`, ".json extension"},
		{"bad json", "config.json", `{`, "parse config JSON"},
		{"unknown field", "config.json", `{"noise_relative": 0.1}`, "unknown field"},
		{"invalid value", "config.json", `{"max_sessions": 0}`, "max_sessions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadRejectsLargeFile(t *testing.T) {
	body := `{"listen_addr": "` + strings.Repeat("x", maxFileSize) + `"}`
	if _, err := Load(writeConfig(t, "big.json", body)); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty", Config{}, false},
		{"zero max delta", Config{MaxDeltaTimeMs: ptrFloat64(0)}, true},
		{"negative user height", Config{UserHeight: ptrFloat64(-1)}, true},
		{"blank reference frame", Config{DefaultReferenceFrame: ptrString(" ")}, true},
		{"zero queue", Config{SessionQueueSize: ptrInt(0)}, true},
		{"bad send timeout", Config{SendTimeout: ptrString("soon")}, true},
		{"negative send timeout", Config{SendTimeout: ptrString("-1s")}, true},
		{"frame rate too high", Config{SyntheticFrameRate: ptrFloat64(1000)}, true},
		{"unknown tracking", Config{SyntheticTracking: ptrString("9DOF")}, true},
		{"valid", Config{MaxSessions: ptrInt(4), SyntheticTracking: ptrString("3DOF"), SendTimeout: ptrString("1s")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
