package eventlog

import "context"

// Appender is the durable, ordered, multi-consumer log the bridge publishes
// to. Append must not return until the log has acknowledged the record.
type Appender interface {
	Append(ctx context.Context, record RelayRecord) error
	Close() error
}
