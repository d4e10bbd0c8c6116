package audit

var _ Logger = (*NoOpLogger)(nil)

// NoOpLogger swallows every event. It backs stores that run with
// auditing disabled so callers never need a nil check.
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return nil
}

func (n *NoOpLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
