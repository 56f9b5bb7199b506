package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
CMSAgentSettings:
  server_base_url: https://cms.example.edu
  status_report_interval: 30
  auto_update_enabled: true
  auto_update_interval: 3600
  network_retry_max_attempts: 5
  network_retry_initial_delay: 2
  token_refresh_interval: 86400
  http_request_timeout: 30
  ws_reconnect_delay_initial: 1
  ws_reconnect_delay_max: 60
  command_default_timeout: 120
  command_max_parallel: 4
  command_queue_max_size: 100
  resource_limit_cpu_pct: 20
  resource_limit_ram_mb: 256
  offline_queue:
    max_size_bytes: 10485760
    max_age_hours: 72
    status_reports_max_count: 500
    command_results_max_count: 200
    error_reports_max_count: 100
`

func writeSettings(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, SettingsFileName, validYAML)

	s, err := LoadSettings(dir, "")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.ServerBaseURL != "https://cms.example.edu" {
		t.Errorf("ServerBaseURL = %q", s.ServerBaseURL)
	}
	if s.StatusReportInterval() != 30*time.Second {
		t.Errorf("StatusReportInterval = %s, want 30s", s.StatusReportInterval())
	}
	if !s.AutoUpdateEnabled {
		t.Error("AutoUpdateEnabled = false, want true")
	}
	if s.WSReconnectMaxAttempts != nil {
		t.Errorf("WSReconnectMaxAttempts = %v, want nil (unbounded)", *s.WSReconnectMaxAttempts)
	}
	if s.OfflineQueueMaxAge() != 72*time.Hour {
		t.Errorf("OfflineQueueMaxAge = %s, want 72h", s.OfflineQueueMaxAge())
	}
}

func TestLoadSettingsOverlay(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, SettingsFileName, validYAML)
	writeSettings(t, dir, "appsettings.staging.yaml", `
CMSAgentSettings:
  status_report_interval: 5
  ws_reconnect_max_attempts: 10
`)

	s, err := LoadSettings(dir, "staging")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.StatusReportIntervalSec != 5 {
		t.Errorf("overlay status_report_interval = %d, want 5", s.StatusReportIntervalSec)
	}
	// Base values not present in the overlay must survive.
	if s.ServerBaseURL != "https://cms.example.edu" {
		t.Errorf("ServerBaseURL lost in overlay: %q", s.ServerBaseURL)
	}
	if s.WSReconnectMaxAttempts == nil || *s.WSReconnectMaxAttempts != 10 {
		t.Errorf("WSReconnectMaxAttempts = %v, want 10", s.WSReconnectMaxAttempts)
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(t.TempDir(), "")
	if !errors.Is(err, ErrConfigLoad) {
		t.Errorf("err = %v, want ErrConfigLoad", err)
	}
}

func TestLoadSettingsMissingSection(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, SettingsFileName, "OtherSection: {}\n")

	_, err := LoadSettings(dir, "")
	if !errors.Is(err, ErrConfigLoad) {
		t.Errorf("err = %v, want ErrConfigLoad", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Settings)
		wantErr bool
	}{
		{"valid", func(_ *Settings) {}, false},
		{"insecure scheme", func(s *Settings) { s.ServerBaseURL = "http://cms.example.edu" }, true},
		{"empty url", func(s *Settings) { s.ServerBaseURL = "" }, true},
		{"zero parallel", func(s *Settings) { s.CommandMaxParallel = 0 }, true},
		{"zero queue size", func(s *Settings) { s.CommandQueueMaxSize = 0 }, true},
		{"zero retry attempts", func(s *Settings) { s.NetworkRetryMaxAttempts = 0 }, true},
		{"negative refresh", func(s *Settings) { s.TokenRefreshIntervalSec = -1 }, true},
		{"max below initial", func(s *Settings) { s.WSReconnectDelayMaxSec = 0 }, true},
		{"zero queue bytes", func(s *Settings) { s.OfflineQueue.MaxSizeBytes = 0 }, true},
		{"bounded reconnects valid", func(s *Settings) { n := 3; s.WSReconnectMaxAttempts = &n }, false},
		{"zero bounded reconnects", func(s *Settings) { n := 0; s.WSReconnectMaxAttempts = &n }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.modify(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func validSettings() *Settings {
	return &Settings{
		ServerBaseURL:              "https://cms.example.edu",
		StatusReportIntervalSec:    30,
		AutoUpdateEnabled:          true,
		AutoUpdateIntervalSec:      3600,
		NetworkRetryMaxAttempts:    5,
		NetworkRetryInitialDelay:   2,
		TokenRefreshIntervalSec:    86400,
		HTTPRequestTimeoutSec:      30,
		WSReconnectDelayInitialSec: 1,
		WSReconnectDelayMaxSec:     60,
		CommandDefaultTimeoutSec:   120,
		CommandMaxParallel:         4,
		CommandQueueMaxSize:        100,
		OfflineQueue: OfflineQueueSettings{
			MaxSizeBytes:           10 << 20,
			MaxAgeHours:            72,
			StatusReportsMaxCount:  500,
			CommandResultsMaxCount: 200,
			ErrorReportsMaxCount:   100,
		},
	}
}
