//go:build !windows

package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
	"sync"
)

// SyslogLogger forwards audit events to the local syslog daemon.
// Queries are not supported for this backend; pair it with a file logger
// when query support is needed.
type SyslogLogger struct {
	instanceID string
	writer     *syslog.Writer
	mu         sync.Mutex
}

type SyslogOptions struct {
	Tag string `json:"tag"`
}

// NewSyslogLogger creates a syslog-backed audit logger.
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	var opts SyslogOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}
	if opts.Tag == "" {
		opts.Tag = "keep"
	}

	writer, err := syslog.New(syslog.LOG_AUTHPRIV|syslog.LOG_INFO, opts.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	return &SyslogLogger{instanceID: config.InstanceID, writer: writer}, nil
}

func (sl *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := buildEvent(sl.instanceID, action, success, metadata)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.writer == nil {
		return fmt.Errorf("syslog writer is closed")
	}
	if success {
		return sl.writer.Info(string(data))
	}
	return sl.writer.Warning(string(data))
}

func (sl *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, fmt.Errorf("syslog audit logger does not support queries")
}

func (sl *SyslogLogger) Close() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.writer == nil {
		return nil
	}
	err := sl.writer.Close()
	sl.writer = nil
	return err
}
