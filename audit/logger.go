// Package audit provides pluggable audit logging for vault operations.
// Every key lifecycle event (setup, unlock, lock, password change, reset)
// and every content operation is recorded as a structured event, including
// retrieval timing so slow decrypt paths show up in the log rather than in
// user complaints. Events never contain key material or plaintext.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration.
type Config struct {
	Enabled    bool                   `json:"enabled"`
	InstanceID string                 `json:"instance_id"`
	Type       ConfigType             `json:"type"`
	Options    map[string]interface{} `json:"options"` // Provider-specific options
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations.
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event.
type Event struct {
	ID         string                 `json:"id"`
	RequestID  string                 `json:"request_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	InstanceID string                 `json:"instance_id,omitempty"`
	Action     string                 `json:"action"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Path       string                 `json:"path,omitempty"`
	ByteSize   int64                  `json:"byte_size,omitempty"`
	Duration   int64                  `json:"duration_ms,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions for filtering audit logs.
type QueryOptions struct {
	InstanceID string
	Action     string
	Since      *time.Time
	Until      *time.Time
	Success    *bool // nil = all, true = only success, false = only failures
	Limit      int
	Offset     int
}

// QueryResult contains the results of an audit query.
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration.
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// parseOptions converts map[string]interface{} to a specific options struct.
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// matches reports whether an event passes the query filter.
func matches(e Event, options QueryOptions) bool {
	if options.InstanceID != "" && e.InstanceID != options.InstanceID {
		return false
	}
	if options.Action != "" && e.Action != options.Action {
		return false
	}
	if options.Since != nil && e.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && e.Timestamp.After(*options.Until) {
		return false
	}
	if options.Success != nil && e.Success != *options.Success {
		return false
	}
	return true
}
