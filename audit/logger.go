package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Type     ConfigType             `json:"type"`    // "file", "sqlite", "syslog"
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SQLiteAuditType ConfigType = "sqlite"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID           string                 `json:"id"`
	RequestID    string                 `json:"request_id,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Action       string                 `json:"action"`
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
	ChainID      string                 `json:"chain_id,omitempty"`
	RecordID     string                 `json:"record_id,omitempty"`
	SnapshotName string                 `json:"snapshot_name,omitempty"`
	UserID       string                 `json:"user_id,omitempty"`
	Source       string                 `json:"source,omitempty"` // IP, hostname, etc.
	Duration     int64                  `json:"duration_ms,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since          *time.Time
	Until          *time.Time
	Action         string
	Success        *bool // nil = all, true = only success, false = only failures
	ChainID        string
	RecordID       string
	Limit          int
	Offset         int
	SnapshotAccess bool // Filter for snapshot-related events
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SQLiteAuditType:
		return NewSQLiteLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent assembles an Event from a store emission, lifting the
// well-known metadata keys into their typed fields so backends can index
// and filter on them. The keys stay in the metadata map as well; the
// event is self-contained either way.
func newEvent(action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}

	event.RequestID = stringField(metadata, "request_id")
	event.ChainID = stringField(metadata, "chain_id")
	event.RecordID = stringField(metadata, "record_id")
	event.SnapshotName = stringField(metadata, "snapshot_name")
	event.UserID = stringField(metadata, "user_id")
	event.Error = stringField(metadata, "error")
	if ms, ok := metadata["duration_ms"].(int64); ok {
		event.Duration = ms
	}
	if ts, ok := metadata["timestamp"].(time.Time); ok {
		event.Timestamp = ts
	}
	return event
}

func stringField(metadata map[string]interface{}, key string) string {
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}

// generateEventID creates a unique event ID
func generateEventID() string {
	return uuid.New().String()
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
