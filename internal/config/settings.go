// Package config loads the agent's static settings from the packaged
// YAML document (with optional environment overlay) and owns the mutable
// runtime identity record. Settings are read once at startup; identity is
// rewritten atomically whenever the token rotates.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for startup failures. Both are terminal: the process
// moves to CONFIGURATION_ERROR and exits.
var (
	ErrConfigLoad       = errors.New("config load failed")
	ErrConfigValidation = errors.New("config validation failed")
)

// SettingsFileName is the packaged configuration document, expected next
// to the agent binary or in the directory passed to LoadSettings.
const SettingsFileName = "appsettings.yaml"

// Settings holds every static tunable from the CMSAgentSettings section.
// All intervals are whole seconds in the document.
type Settings struct {
	ServerBaseURL string `yaml:"server_base_url"`

	StatusReportIntervalSec int  `yaml:"status_report_interval"`
	AutoUpdateEnabled       bool `yaml:"auto_update_enabled"`
	AutoUpdateIntervalSec   int  `yaml:"auto_update_interval"`

	NetworkRetryMaxAttempts  int `yaml:"network_retry_max_attempts"`
	NetworkRetryInitialDelay int `yaml:"network_retry_initial_delay"`
	TokenRefreshIntervalSec  int `yaml:"token_refresh_interval"`
	HTTPRequestTimeoutSec    int `yaml:"http_request_timeout"`

	WSReconnectDelayInitialSec int  `yaml:"ws_reconnect_delay_initial"`
	WSReconnectDelayMaxSec     int  `yaml:"ws_reconnect_delay_max"`
	WSReconnectMaxAttempts     *int `yaml:"ws_reconnect_max_attempts"` // nil = unbounded

	CommandDefaultTimeoutSec int `yaml:"command_default_timeout"`
	CommandMaxParallel       int `yaml:"command_max_parallel"`
	CommandQueueMaxSize      int `yaml:"command_queue_max_size"`

	ResourceLimitCPUPct int `yaml:"resource_limit_cpu_pct"`
	ResourceLimitRAMMB  int `yaml:"resource_limit_ram_mb"`

	OfflineQueue OfflineQueueSettings `yaml:"offline_queue"`
}

// OfflineQueueSettings bounds the durable offline queues.
type OfflineQueueSettings struct {
	MaxSizeBytes           int64 `yaml:"max_size_bytes"`
	MaxAgeHours            int   `yaml:"max_age_hours"`
	StatusReportsMaxCount  int   `yaml:"status_reports_max_count"`
	CommandResultsMaxCount int   `yaml:"command_results_max_count"`
	ErrorReportsMaxCount   int   `yaml:"error_reports_max_count"`
}

// settingsDocument is the full document shape; only the CMSAgentSettings
// section is ours.
type settingsDocument struct {
	CMSAgentSettings *Settings `yaml:"CMSAgentSettings"`
}

// LoadSettings reads appsettings.yaml from dir, applies the
// appsettings.<env>.yaml overlay when env is non-empty and the file
// exists, and validates the result.
func LoadSettings(dir, env string) (*Settings, error) {
	base := filepath.Join(dir, SettingsFileName)
	s, err := decodeSettingsFile(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigLoad, base, err)
	}

	if env != "" {
		overlay := filepath.Join(dir, fmt.Sprintf("appsettings.%s.yaml", env))
		if _, statErr := os.Stat(overlay); statErr == nil {
			if err := overlaySettingsFile(overlay, s); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrConfigLoad, overlay, err)
			}
		}
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigValidation, err)
	}
	return s, nil
}

func decodeSettingsFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc settingsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc.CMSAgentSettings == nil {
		return nil, fmt.Errorf("missing CMSAgentSettings section")
	}
	return doc.CMSAgentSettings, nil
}

// overlaySettingsFile decodes the overlay on top of the already-populated
// Settings value, so only keys present in the overlay change.
func overlaySettingsFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc := settingsDocument{CMSAgentSettings: s}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// Validate checks every tunable against its allowed range.
func (s *Settings) Validate() error {
	var errs []error

	u, err := url.Parse(s.ServerBaseURL)
	switch {
	case s.ServerBaseURL == "":
		errs = append(errs, fmt.Errorf("server_base_url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("server_base_url: %w", err))
	case u.Scheme != "https" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("server_base_url must use a secure scheme, got %q", u.Scheme))
	}

	nonNegative := map[string]int{
		"status_report_interval":      s.StatusReportIntervalSec,
		"auto_update_interval":        s.AutoUpdateIntervalSec,
		"network_retry_initial_delay": s.NetworkRetryInitialDelay,
		"token_refresh_interval":      s.TokenRefreshIntervalSec,
		"http_request_timeout":        s.HTTPRequestTimeoutSec,
		"ws_reconnect_delay_initial":  s.WSReconnectDelayInitialSec,
		"ws_reconnect_delay_max":      s.WSReconnectDelayMaxSec,
		"command_default_timeout":     s.CommandDefaultTimeoutSec,
		"resource_limit_cpu_pct":      s.ResourceLimitCPUPct,
		"resource_limit_ram_mb":       s.ResourceLimitRAMMB,
	}
	for name, v := range nonNegative {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %d", name, v))
		}
	}

	positive := map[string]int{
		"status_report_interval":     s.StatusReportIntervalSec,
		"network_retry_max_attempts": s.NetworkRetryMaxAttempts,
		"command_max_parallel":       s.CommandMaxParallel,
		"command_queue_max_size":     s.CommandQueueMaxSize,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", name, v))
		}
	}

	if s.WSReconnectMaxAttempts != nil && *s.WSReconnectMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ws_reconnect_max_attempts must be > 0 or omitted, got %d", *s.WSReconnectMaxAttempts))
	}
	if s.WSReconnectDelayMaxSec < s.WSReconnectDelayInitialSec {
		errs = append(errs, fmt.Errorf("ws_reconnect_delay_max (%d) must be >= ws_reconnect_delay_initial (%d)",
			s.WSReconnectDelayMaxSec, s.WSReconnectDelayInitialSec))
	}
	if s.OfflineQueue.MaxSizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("offline_queue.max_size_bytes must be > 0, got %d", s.OfflineQueue.MaxSizeBytes))
	}
	if s.OfflineQueue.MaxAgeHours <= 0 {
		errs = append(errs, fmt.Errorf("offline_queue.max_age_hours must be > 0, got %d", s.OfflineQueue.MaxAgeHours))
	}

	return errors.Join(errs...)
}

// Duration accessors, converting the whole-second document values.

func (s *Settings) StatusReportInterval() time.Duration {
	return time.Duration(s.StatusReportIntervalSec) * time.Second
}
func (s *Settings) AutoUpdateInterval() time.Duration {
	return time.Duration(s.AutoUpdateIntervalSec) * time.Second
}
func (s *Settings) RetryInitialDelay() time.Duration {
	return time.Duration(s.NetworkRetryInitialDelay) * time.Second
}
func (s *Settings) TokenRefreshInterval() time.Duration {
	return time.Duration(s.TokenRefreshIntervalSec) * time.Second
}
func (s *Settings) HTTPRequestTimeout() time.Duration {
	return time.Duration(s.HTTPRequestTimeoutSec) * time.Second
}
func (s *Settings) WSReconnectDelayInitial() time.Duration {
	return time.Duration(s.WSReconnectDelayInitialSec) * time.Second
}
func (s *Settings) WSReconnectDelayMax() time.Duration {
	return time.Duration(s.WSReconnectDelayMaxSec) * time.Second
}
func (s *Settings) CommandDefaultTimeout() time.Duration {
	return time.Duration(s.CommandDefaultTimeoutSec) * time.Second
}
func (s *Settings) OfflineQueueMaxAge() time.Duration {
	return time.Duration(s.OfflineQueue.MaxAgeHours) * time.Hour
}
