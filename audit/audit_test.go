package audit

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerFactory(t *testing.T) {
	t.Run("NilConfig", func(t *testing.T) {
		logger, err := NewLogger(nil)
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("Disabled", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("File", func(t *testing.T) {
		logger, err := NewLogger(&Config{
			Enabled: true,
			Type:    FileAuditType,
			Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
		})
		require.NoError(t, err)
		defer logger.Close()
		assert.IsType(t, &FileLogger{}, logger)
	})

	t.Run("FileWithoutPath", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: FileAuditType})
		assert.Error(t, err)
	})

	t.Run("SQLite", func(t *testing.T) {
		logger, err := NewLogger(&Config{
			Enabled: true,
			Type:    SQLiteAuditType,
			Options: map[string]interface{}{"db_path": filepath.Join(t.TempDir(), "audit.db")},
		})
		require.NoError(t, err)
		defer logger.Close()
		assert.IsType(t, &SQLiteLogger{}, logger)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "carrier-pigeon"})
		assert.Error(t, err)
	})
}

func TestFileLoggerQuery(t *testing.T) {
	logger := newTestFileLogger(t)
	logTestTrail(t, logger)

	t.Run("All", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, 4, result.Filtered)
		assert.Len(t, result.Events, 4)
	})

	t.Run("NewestFirst", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, result.Events)
		for i := 1; i < len(result.Events); i++ {
			assert.False(t, result.Events[i-1].Timestamp.Before(result.Events[i].Timestamp),
				"Events should be sorted newest first")
		}
	})

	t.Run("ByAction", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "RECORD_WRITE_COMPLETED"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "RECORD_WRITE_COMPLETED", result.Events[0].Action)
	})

	t.Run("FailuresOnly", func(t *testing.T) {
		failures := false
		result, err := logger.Query(QueryOptions{Success: &failures})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "RECORD_READ_FAILED", result.Events[0].Action)
		assert.Equal(t, "record not found", result.Events[0].Error)
	})

	t.Run("ByChain", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{ChainID: "chain-alpha"})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2, "Both events of the chain should match")
		for _, event := range result.Events {
			assert.Equal(t, "chain-alpha", event.ChainID)
		}
	})

	t.Run("SnapshotAccess", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{SnapshotAccess: true})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "SNAPSHOT_SAVE_COMPLETED", result.Events[0].Action)
	})

	t.Run("Limit", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
		assert.True(t, result.HasMore)
	})

	t.Run("LiftedFields", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "RECORD_WRITE_COMPLETED"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		event := result.Events[0]
		assert.Equal(t, "sr_1", event.RequestID)
		assert.Equal(t, "tester", event.UserID)
		assert.Equal(t, "record-1", event.RecordID)
		assert.Equal(t, int64(7), event.Duration)
		assert.NotEmpty(t, event.ID)
	})
}

func TestFileLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")

	// Pre-grow the log past the 1MB ceiling so the next write rotates.
	require.NoError(t, os.WriteFile(logPath, bytes.Repeat([]byte("\n"), 1<<20), 0600))

	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{
			"file_path":   logPath,
			"max_size":    1,
			"max_backups": 2,
		},
	})
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Log("STORE_OPENED", true, map[string]interface{}{"user_id": "tester"}))

	backup, err := os.Stat(logPath + ".1")
	require.NoError(t, err, "Rotation should have created a backup file")
	assert.Equal(t, int64(1<<20), backup.Size())

	current, err := os.Stat(logPath)
	require.NoError(t, err)
	assert.Less(t, current.Size(), int64(4096), "Current file should hold only the new event")

	// The event written after rotation is still queryable.
	result, err := logger.Query(QueryOptions{Action: "STORE_OPENED"})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
}

func TestSQLiteLoggerQuery(t *testing.T) {
	logger := newTestSQLiteLogger(t)
	logTestTrail(t, logger)

	t.Run("All", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, 4, result.TotalCount)
		assert.Equal(t, 4, result.Filtered)
		assert.Len(t, result.Events, 4)
	})

	t.Run("ByAction", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "RECORD_WRITE_COMPLETED"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "record-1", result.Events[0].RecordID)
	})

	t.Run("ByChain", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{ChainID: "chain-alpha"})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
	})

	t.Run("FailuresOnly", func(t *testing.T) {
		failures := false
		result, err := logger.Query(QueryOptions{Success: &failures})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "RECORD_READ_FAILED", result.Events[0].Action)
	})

	t.Run("SnapshotAccess", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{SnapshotAccess: true})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "nightly", result.Events[0].SnapshotName)
	})

	t.Run("TimeRange", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		result, err := logger.Query(QueryOptions{Since: &past})
		require.NoError(t, err)
		assert.Len(t, result.Events, 4, "All events are newer than an hour ago")

		future := time.Now().Add(time.Hour)
		result, err = logger.Query(QueryOptions{Since: &future})
		require.NoError(t, err)
		assert.Empty(t, result.Events)
	})

	t.Run("Paging", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 3})
		require.NoError(t, err)
		assert.Len(t, result.Events, 3)
		assert.True(t, result.HasMore)

		result, err = logger.Query(QueryOptions{Limit: 3, Offset: 3})
		require.NoError(t, err)
		assert.Len(t, result.Events, 1)
		assert.False(t, result.HasMore)
	})

	t.Run("MetadataRoundTrip", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "RECORD_WRITE_COMPLETED"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		metadata := result.Events[0].Metadata
		require.NotNil(t, metadata)
		assert.Equal(t, "chain-alpha", metadata["chain_id"])
	})
}

func TestSQLiteLoggerPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	config := &Config{
		Enabled: true,
		Type:    SQLiteAuditType,
		Options: map[string]interface{}{"db_path": dbPath},
	}

	first, err := NewSQLiteLogger(config)
	require.NoError(t, err)
	require.NoError(t, first.Log("STORE_OPENED", true, map[string]interface{}{"user_id": "tester"}))
	require.NoError(t, first.Close())

	second, err := NewSQLiteLogger(config)
	require.NoError(t, err)
	defer second.Close()

	result, err := second.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "STORE_OPENED", result.Events[0].Action)
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	assert.NoError(t, logger.Log("ANYTHING", true, nil))
	result, err := logger.Query(QueryOptions{})
	assert.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.NoError(t, logger.Close())
}

// Helpers

func newTestFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger
}

func newTestSQLiteLogger(t *testing.T) *SQLiteLogger {
	t.Helper()
	logger, err := NewSQLiteLogger(&Config{
		Enabled: true,
		Type:    SQLiteAuditType,
		Options: map[string]interface{}{"db_path": filepath.Join(t.TempDir(), "audit.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger
}

// logTestTrail writes four events shaped like the store's emissions: two
// for chain-alpha, one failure, one snapshot save.
func logTestTrail(t *testing.T, logger Logger) {
	t.Helper()
	require.NoError(t, logger.Log("RECORD_WRITE_COMPLETED", true, map[string]interface{}{
		"chain_id":    "chain-alpha",
		"record_id":   "record-1",
		"request_id":  "sr_1",
		"user_id":     "tester",
		"duration_ms": int64(7),
	}))
	require.NoError(t, logger.Log("RECORD_READ_FAILED", false, map[string]interface{}{
		"chain_id":   "chain-alpha",
		"record_id":  "record-2",
		"request_id": "sr_2",
		"user_id":    "tester",
		"error":      "record not found",
	}))
	require.NoError(t, logger.Log("CHAIN_CREATE_COMPLETED", true, map[string]interface{}{
		"chain_id":   "chain-beta",
		"request_id": "sr_3",
		"user_id":    "tester",
	}))
	require.NoError(t, logger.Log("SNAPSHOT_SAVE_COMPLETED", true, map[string]interface{}{
		"snapshot_name": "nightly",
		"request_id":    "sr_4",
		"user_id":       "tester",
	}))
}
