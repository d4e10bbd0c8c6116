package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
)

// Ensure SyslogLogger implements Logger interface
var _ Logger = (*SyslogLogger)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// SyslogLogger implements Logger for syslog
type SyslogLogger struct {
	config     *Config
	syslogOpts SyslogOptions
	writer     *syslog.Writer
}

// NewSyslogLogger connects to the local syslog daemon, or to a remote
// collector when the options name a network and address.
func NewSyslogLogger(config *Config) (*SyslogLogger, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog logger options: %w", err)
	}
	if syslogOpts.Priority == 0 {
		syslogOpts.Priority = defaultSyslogPriority(config.LogLevel)
	}
	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "strongroom-audit"
	}

	writer, err := openSyslogWriter(syslogOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogLogger{
		config:     config,
		syslogOpts: syslogOpts,
		writer:     writer,
	}, nil
}

// defaultSyslogPriority maps the configured log level onto a syslog
// priority for events that carry no explicit one.
func defaultSyslogPriority(level string) int {
	switch level {
	case "error":
		return int(syslog.LOG_ERR | syslog.LOG_USER)
	case "warn":
		return int(syslog.LOG_WARNING | syslog.LOG_USER)
	default:
		return int(syslog.LOG_INFO | syslog.LOG_USER)
	}
}

func openSyslogWriter(opts SyslogOptions) (*syslog.Writer, error) {
	if opts.Network != "" && opts.Address != "" {
		return syslog.Dial(opts.Network, opts.Address,
			syslog.Priority(opts.Priority), opts.Tag)
	}
	return syslog.New(syslog.Priority(opts.Priority), opts.Tag)
}

func (s *SyslogLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	if !s.config.Enabled {
		return nil
	}

	event := newEvent(action, success, metadata)
	event.Source = "strongroom"
	return s.writeEvent(event)
}

func (s *SyslogLogger) Close() error {
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}

// Query is not supported: syslog is a write-only transport. Historical
// queries need a storing backend (file or sqlite).
func (s *SyslogLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, fmt.Errorf("syslog logger does not support querying historical data")
}

func (s *SyslogLogger) writeEvent(event Event) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	// Prefix makes the events easy to filter on the syslog side.
	logMessage := fmt.Sprintf("STRONGROOM_AUDIT: %s", string(eventJSON))

	switch {
	case !event.Success && event.Error != "":
		return s.writer.Err(logMessage)
	case !event.Success:
		return s.writer.Warning(logMessage)
	case isSecurityCriticalAction(event.Action):
		// Security-critical actions go to notice regardless of log level.
		return s.writer.Notice(logMessage)
	case s.config.LogLevel == "error":
		// At error level, successful events are dropped.
		return nil
	default:
		return s.writer.Info(logMessage)
	}
}

// isSecurityCriticalAction reports whether an action is elevated to
// notice level no matter what the configured log level is.
func isSecurityCriticalAction(action string) bool {
	securityActions := map[string]bool{
		"CHAIN_REKEY_COMPLETED":      true,
		"CHAIN_DELETE_COMPLETED":     true,
		"CHAIN_IMPORT_COMPLETED":     true,
		"SNAPSHOT_RESTORE_COMPLETED": true,
		"STORE_OPENED":               true,
	}
	return securityActions[action]
}
