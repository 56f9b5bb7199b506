// Package protocol defines the wire types exchanged with the control
// plane over HTTP and the WebSocket session, plus the records persisted
// by the offline queues. Dynamic payloads (command parameters, error
// details) stay as raw JSON; handlers decode at the boundary.
package protocol

import (
	"encoding/json"
	"time"
)

// ClientType is the marker every authenticated call presents so the
// control plane can distinguish agents from operator tooling.
const ClientType = "cms-agent"

// Location places the host in the control plane's room topology.
type Location struct {
	Room string `json:"room"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// IdentifyRequest asks the control plane to recognise this agent and,
// when ForceRenew is set or the current token is invalid, issue a fresh
// bearer token.
type IdentifyRequest struct {
	AgentID    string   `json:"agent_id"`
	Location   Location `json:"location"`
	ForceRenew bool     `json:"force_renew"`
}

// IdentifyOutcome is the tagged decode of an identify response. Exactly
// one of the branches applies.
type IdentifyOutcome struct {
	Success       bool   `json:"success"`
	Token         string `json:"token,omitempty"` // present when newly issued
	MFARequired   bool   `json:"mfa_required,omitempty"`
	PositionError bool   `json:"position_error,omitempty"`
	Error         bool   `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
}

// VerifyMFARequest completes an identify that answered mfa_required.
type VerifyMFARequest struct {
	AgentID string `json:"agent_id"`
	MFACode string `json:"mfa_code"`
}

// VerifyMFAResponse carries the token issued after a valid code.
type VerifyMFAResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Error   bool   `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// HardwareInventory is the one-shot host description submitted on the
// first successful connect. Best-effort; zero values mean "unknown".
type HardwareInventory struct {
	OS             string `json:"os"`
	CPU            string `json:"cpu"`
	GPU            string `json:"gpu"`
	TotalRAMBytes  uint64 `json:"total_ram_bytes"`
	TotalDiskBytes uint64 `json:"total_disk_bytes"`
}

// UpdateDescriptor describes a newer agent version offered by the
// control plane, via the check endpoint or a push notification.
type UpdateDescriptor struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"sha256"`
	Notes       string `json:"notes,omitempty"`
}

// StatusReport is one periodic utilisation sample. Missing values are
// encoded as -1 so a partial probe still produces a report.
type StatusReport struct {
	CPUPct  float64   `json:"cpu_pct"`
	RAMPct  float64   `json:"ram_pct"`
	DiskPct float64   `json:"disk_pct"`
	Time    time.Time `json:"timestamp"`
}

// CommandRequest is an inbound control-plane directive.
type CommandRequest struct {
	CommandID  string          `json:"command_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ErrorKind classifies a failed command result.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTimeout   ErrorKind = "Timeout"
	ErrorKindExecution ErrorKind = "ExecutionError"
	ErrorKindQueueFull ErrorKind = "QueueFull"
	ErrorKindCancelled ErrorKind = "Cancelled"
)

// CommandResult is the single result every accepted command produces.
type CommandResult struct {
	CommandID    string    `json:"command_id"`
	Kind         string    `json:"kind"`
	Success      bool      `json:"success"`
	Stdout       string    `json:"stdout,omitempty"`
	Stderr       string    `json:"stderr,omitempty"`
	ExitCode     int       `json:"exit_code"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// UpdateStatus reports update pipeline progress to the control plane.
type UpdateStatus struct {
	Status  string `json:"status"` // update_started, update_downloaded, updater_launched, update_success, update_failed
	Reason  string `json:"reason,omitempty"`
	Version string `json:"version,omitempty"`
}

// Update status values and failure reasons.
const (
	UpdateStarted        = "update_started"
	UpdateDownloaded     = "update_downloaded"
	UpdaterLaunched      = "updater_launched"
	UpdateSuccess        = "update_success"
	UpdateFailed         = "update_failed"
	ReasonChecksum       = "checksum_mismatch"
	ReasonDownloadFailed = "download_failed"
	ReasonExtractFailed  = "extraction_failed"
	ReasonServiceStart   = "service_start_failed"
)

// ReportKind is the error taxonomy surfaced to the control plane.
type ReportKind string

const (
	ReportWSConnectionFailed   ReportKind = "WebSocketConnectionFailed"
	ReportWSAuthFailed         ReportKind = "WebSocketAuthFailed"
	ReportHTTPRequestFailed    ReportKind = "HttpRequestFailed"
	ReportConfigLoadFailed     ReportKind = "ConfigLoadFailed"
	ReportConfigInvalid        ReportKind = "ConfigValidationFailed"
	ReportTokenDecryptFailed   ReportKind = "TokenDecryptionFailed"
	ReportHardwareInfoFailed   ReportKind = "HardwareInfoCollectionFailed"
	ReportStatusFailed         ReportKind = "StatusReportingFailed"
	ReportCommandFailed        ReportKind = "CommandExecutionFailed"
	ReportCommandQueueFull     ReportKind = "CommandQueueFull"
	ReportUpdateDownloadFailed ReportKind = "UpdateDownloadFailed"
	ReportUpdateChecksum       ReportKind = "UpdateChecksumMismatch"
	ReportUpdateExtractFailed  ReportKind = "UpdateExtractionFailed"
	ReportUpdateRollbackFailed ReportKind = "UpdateRollbackFailed"
	ReportUpdateStartFailed    ReportKind = "UpdateServiceStartFailed"
	ReportLoggingFailed        ReportKind = "LoggingFailed"
	ReportResourceLimit        ReportKind = "ResourceLimitExceeded"
	ReportUnhandledException   ReportKind = "UnhandledException"
	ReportOfflineQueueError    ReportKind = "OfflineQueueError"
)

// ErrorReport is a structured error record delivered to the control
// plane directly or via the error_reports directory when offline.
type ErrorReport struct {
	Kind      ReportKind      `json:"error_kind"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
