package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileLogger appends audit events as JSON lines to a single log file.
type FileLogger struct {
	instanceID string
	file       *os.File
	mu         sync.Mutex
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath string `json:"file_path"`
}

// NewFileLogger creates a new file-based audit logger.
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		instanceID: config.InstanceID,
		file:       file,
		fileOpts:   fileOpts,
	}, nil
}

func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := buildEvent(fl.instanceID, action, success, metadata)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("audit log file is closed")
	}

	if _, err = fl.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	return nil
}

// Query scans the log file and returns events matching the filter.
// The file is small relative to the vault's lifetime (no secret payloads,
// one line per operation), so a linear scan is acceptable.
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	f, err := os.Open(fl.fileOpts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return QueryResult{}, nil
		}
		return QueryResult{}, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var (
		filtered []Event
		total    int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		total++

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// Skip malformed lines rather than failing the whole query.
			continue
		}
		if matches(event, options) {
			filtered = append(filtered, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to read audit log: %w", err)
	}

	result := QueryResult{TotalCount: total, Filtered: len(filtered)}

	if options.Offset > 0 {
		if options.Offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[options.Offset:]
		}
	}
	if options.Limit > 0 && len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
		result.HasMore = true
	}

	result.Events = filtered
	return result, nil
}

func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}

// buildEvent lifts well-known metadata keys into typed event fields.
func buildEvent(instanceID, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Action:     action,
		Success:    success,
	}

	rest := make(map[string]interface{})
	for k, v := range metadata {
		switch k {
		case "request_id":
			if s, ok := v.(string); ok {
				event.RequestID = s
				continue
			}
		case "instance_id":
			if s, ok := v.(string); ok {
				event.InstanceID = s
				continue
			}
		case "error":
			if s, ok := v.(string); ok {
				event.Error = s
				continue
			}
		case "path":
			if s, ok := v.(string); ok {
				event.Path = s
				continue
			}
		case "byte_size":
			if n, ok := toInt64(v); ok {
				event.ByteSize = n
				continue
			}
		case "duration_ms":
			if n, ok := toInt64(v); ok {
				event.Duration = n
				continue
			}
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
