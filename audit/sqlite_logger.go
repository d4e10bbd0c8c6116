package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// Ensure SQLiteLogger implements Logger interface
var _ Logger = (*SQLiteLogger)(nil)

type SQLiteOptions struct {
	DBPath string `json:"db_path"`
}

// SQLiteLogger implements Logger on a local SQLite database. Unlike the
// file backend it indexes the typed event fields, so queries stay fast
// once the trail grows past what a line scan handles comfortably.
type SQLiteLogger struct {
	config *Config
	db     *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
  id            TEXT PRIMARY KEY,
  request_id    TEXT,
  ts            INTEGER NOT NULL,
  action        TEXT NOT NULL,
  success       INTEGER NOT NULL,
  error         TEXT,
  chain_id      TEXT,
  record_id     TEXT,
  snapshot_name TEXT,
  user_id       TEXT,
  source        TEXT,
  duration_ms   INTEGER,
  metadata      TEXT
);
CREATE INDEX IF NOT EXISTS audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS audit_events_action ON audit_events(action);
CREATE INDEX IF NOT EXISTS audit_events_chain ON audit_events(chain_id);
`

// NewSQLiteLogger opens or creates the audit database and ensures schema
// and pragmas.
func NewSQLiteLogger(config *Config) (*SQLiteLogger, error) {
	var opts SQLiteOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid sqlite logger options: %w", err)
	}
	if opts.DBPath == "" {
		return nil, fmt.Errorf("db_path is required for sqlite logger")
	}

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach audit database: %w", err)
	}

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	return &SQLiteLogger{config: config, db: db}, nil
}

// Log implements the Logger interface
func (sl *SQLiteLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(action, success, metadata)

	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize audit metadata: %w", err)
		}
	}

	_, err := sl.db.Exec(
		`INSERT INTO audit_events
		   (id, request_id, ts, action, success, error, chain_id, record_id, snapshot_name, user_id, source, duration_ms, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RequestID, event.Timestamp.UnixNano(), event.Action,
		boolToInt(event.Success), event.Error, event.ChainID, event.RecordID,
		event.SnapshotName, event.UserID, event.Source, event.Duration,
		string(metadataJSON))
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// Query implements the Logger interface
func (sl *SQLiteLogger) Query(options QueryOptions) (QueryResult, error) {
	where, args := buildWhere(options)

	var totalCount int
	if err := sl.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&totalCount); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	var filtered int
	if err := sl.db.QueryRow(`SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&filtered); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count filtered audit events: %w", err)
	}

	query := `SELECT id, request_id, ts, action, success, error, chain_id, record_id, snapshot_name, user_id, source, duration_ms, metadata
	          FROM audit_events` + where + ` ORDER BY ts DESC`
	pageArgs := args
	if options.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		pageArgs = append(append([]interface{}{}, args...), options.Limit, options.Offset)
	} else if options.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		pageArgs = append(append([]interface{}{}, args...), options.Offset)
	}

	rows, err := sl.db.Query(query, pageArgs...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return QueryResult{}, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to read audit events: %w", err)
	}

	return QueryResult{
		Events:     events,
		TotalCount: totalCount,
		Filtered:   filtered,
		HasMore:    options.Offset+len(events) < filtered,
	}, nil
}

// Close implements the Logger interface
func (sl *SQLiteLogger) Close() error {
	if sl.db != nil {
		err := sl.db.Close()
		sl.db = nil
		return err
	}
	return nil
}

// buildWhere translates QueryOptions into a WHERE clause and its
// arguments. Underscores in the action prefixes are escaped because LIKE
// treats them as wildcards.
func buildWhere(options QueryOptions) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if options.Since != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, options.Since.UnixNano())
	}
	if options.Until != nil {
		conds = append(conds, "ts <= ?")
		args = append(args, options.Until.UnixNano())
	}
	if options.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, options.Action)
	}
	if options.Success != nil {
		conds = append(conds, "success = ?")
		args = append(args, boolToInt(*options.Success))
	}
	if options.ChainID != "" {
		conds = append(conds, "chain_id = ?")
		args = append(args, options.ChainID)
	}
	if options.RecordID != "" {
		conds = append(conds, "record_id = ?")
		args = append(args, options.RecordID)
	}
	if options.SnapshotAccess {
		conds = append(conds,
			`(action LIKE 'SNAPSHOT!_%' ESCAPE '!' OR action LIKE 'CHAIN!_EXPORT!_%' ESCAPE '!' OR action LIKE 'CHAIN!_IMPORT!_%' ESCAPE '!')`)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var event Event
	var ts int64
	var success int
	var errStr, metadataJSON sql.NullString
	var requestID, chainID, recordID, snapshotName, userID, source sql.NullString
	var duration sql.NullInt64

	err := rows.Scan(&event.ID, &requestID, &ts, &event.Action, &success,
		&errStr, &chainID, &recordID, &snapshotName, &userID, &source,
		&duration, &metadataJSON)
	if err != nil {
		return Event{}, fmt.Errorf("failed to scan audit event: %w", err)
	}

	event.Timestamp = time.Unix(0, ts).UTC()
	event.Success = success != 0
	event.RequestID = requestID.String
	event.Error = errStr.String
	event.ChainID = chainID.String
	event.RecordID = recordID.String
	event.SnapshotName = snapshotName.String
	event.UserID = userID.String
	event.Source = source.String
	event.Duration = duration.Int64

	if metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &event.Metadata); err != nil {
			// A damaged metadata blob does not invalidate the event row.
			event.Metadata = nil
		}
	}
	return event, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
