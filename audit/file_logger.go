// audit/file_logger.go
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var _ Logger = (*FileLogger)(nil)

// FileLogger appends events to a JSONL file with size-based rotation.
// A bounded in-memory tail of recent events answers time-bounded
// queries without touching disk.
type FileLogger struct {
	file       *os.File
	mu         sync.RWMutex
	config     *Config
	eventCache []Event
	cacheSize  int
	fileOpts   FileOptions
}

type FileOptions struct {
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size,omitempty"`    // Max size in MB
	MaxBackups int    `json:"max_backups,omitempty"` // Max backup files
	MaxAge     int    `json:"max_age,omitempty"`     // Max age in days
}

func (o *FileOptions) applyDefaults() {
	if o.MaxSize == 0 {
		o.MaxSize = 100
	}
	if o.MaxBackups == 0 {
		o.MaxBackups = 5
	}
	if o.MaxAge == 0 {
		o.MaxAge = 30
	}
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}
	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	fileOpts.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	fl := &FileLogger{
		config:    config,
		fileOpts:  fileOpts,
		cacheSize: 1000,
	}
	if err := fl.ensureFileOpen(); err != nil {
		return nil, err
	}
	return fl, nil
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fl.writeEvent(newEvent(action, success, metadata))
}

func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	// A previous owner may have closed this logger; reopen lazily.
	if err := fl.ensureFileOpen(); err != nil {
		return err
	}
	if err := fl.rotateIfNeeded(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	if _, err = fl.file.WriteString(string(eventJSON) + "\n"); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	// Events must hit disk before the store operation proceeds.
	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.updateCache(event)
	return nil
}

// rotateIfNeeded rotates the log file once it exceeds MaxSize megabytes:
// backups shift up (audit.log.1 becomes audit.log.2 and so on), the
// current file becomes audit.log.1, and the oldest backup beyond
// MaxBackups is dropped. The caller holds fl.mu.
func (fl *FileLogger) rotateIfNeeded() error {
	info, err := fl.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	if info.Size() < int64(fl.fileOpts.MaxSize)*1024*1024 {
		return nil
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}
	fl.file = nil

	oldest := fmt.Sprintf("%s.%d", fl.fileOpts.FilePath, fl.fileOpts.MaxBackups)
	_ = os.Remove(oldest)
	for i := fl.fileOpts.MaxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", fl.fileOpts.FilePath, i)
		to := fmt.Sprintf("%s.%d", fl.fileOpts.FilePath, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	if err := os.Rename(fl.fileOpts.FilePath, fl.fileOpts.FilePath+".1"); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	return fl.ensureFileOpen()
}

// updateCache keeps the most recent cacheSize events for time-bounded
// queries. The caller holds fl.mu.
func (fl *FileLogger) updateCache(event Event) {
	fl.eventCache = append(fl.eventCache, event)
	if len(fl.eventCache) > fl.cacheSize {
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.cacheSize:]
	}
}

// Query implements the Logger interface
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.cacheCovers(options) {
		return fl.queryFromCache(options), nil
	}
	return fl.queryFromFile(options)
}

// cacheCovers reports whether the in-memory tail can answer the query:
// a time bound must be set and the cache must reach back at least to
// Since. Unbounded queries always go to the files.
func (fl *FileLogger) cacheCovers(options QueryOptions) bool {
	if len(fl.eventCache) == 0 {
		return false
	}
	if options.Since == nil && options.Until == nil {
		return false
	}
	if options.Since != nil && options.Since.Before(fl.eventCache[0].Timestamp) {
		return false
	}
	return true
}

func (fl *FileLogger) queryFromCache(options QueryOptions) QueryResult {
	var filtered []Event
	for _, event := range fl.eventCache {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}
	sortNewestFirst(filtered)

	page, hasMore := pageEvents(filtered, options)
	return QueryResult{
		Events:     page,
		TotalCount: len(fl.eventCache),
		Filtered:   len(filtered),
		HasMore:    hasMore,
	}
}

func (fl *FileLogger) queryFromFile(options QueryOptions) (QueryResult, error) {
	files, err := fl.auditLogFiles()
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to get audit log files: %w", err)
	}

	var filtered []Event
	total := 0
	for _, path := range files {
		events, count, err := readEventsFromFile(path, options)
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to read events from %s: %w", path, err)
		}
		filtered = append(filtered, events...)
		total += count
	}
	sortNewestFirst(filtered)

	page, hasMore := pageEvents(filtered, options)
	return QueryResult{
		Events:     page,
		TotalCount: total,
		Filtered:   len(filtered),
		HasMore:    hasMore,
	}, nil
}

func sortNewestFirst(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

// pageEvents applies Offset and Limit to the filtered set and reports
// whether events remain past the returned page.
func pageEvents(filtered []Event, options QueryOptions) ([]Event, bool) {
	start := options.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if options.Limit > 0 {
		end = start + options.Limit
		if end > len(filtered) {
			end = len(filtered)
		}
	}
	return filtered[start:end], end < len(filtered)
}

// auditLogFiles returns the active log plus any rotated backups.
func (fl *FileLogger) auditLogFiles() ([]string, error) {
	files := []string{fl.fileOpts.FilePath}

	matches, err := filepath.Glob(fl.fileOpts.FilePath + ".*")
	if err != nil {
		return files, nil
	}
	for _, match := range matches {
		if match != fl.fileOpts.FilePath {
			files = append(files, match)
		}
	}
	return files, nil
}

// readEventsFromFile scans one JSONL file, returning matching events
// plus the total line count. Blank and unparseable lines are skipped; a
// line truncated by a crashed writer must not take the query down.
func readEventsFromFile(filePath string, options QueryOptions) ([]Event, int, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	totalCount := 0

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		totalCount++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		if matchesFilter(event, options) {
			events = append(events, event)
		}
	}
	if err = scanner.Err(); err != nil {
		return events, totalCount, fmt.Errorf("error reading audit log file: %w", err)
	}
	return events, totalCount, nil
}

// matchesFilter applies every set QueryOptions field as a conjunction.
func matchesFilter(event Event, options QueryOptions) bool {
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.ChainID != "" && event.ChainID != options.ChainID {
		return false
	}
	if options.RecordID != "" && event.RecordID != options.RecordID {
		return false
	}
	if options.SnapshotAccess && !isSnapshotAction(event.Action) {
		return false
	}
	return true
}

// isSnapshotAction reports whether an action touches snapshot material:
// saving, restoring, deleting, or exporting and importing chains.
func isSnapshotAction(action string) bool {
	upper := strings.ToUpper(action)
	return strings.HasPrefix(upper, "SNAPSHOT_") ||
		strings.HasPrefix(upper, "CHAIN_EXPORT_") ||
		strings.HasPrefix(upper, "CHAIN_IMPORT_")
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file == nil {
		var err error
		fl.file, err = os.OpenFile(fl.fileOpts.FilePath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to open audit log file: %w", err)
		}
	}
	return nil
}
