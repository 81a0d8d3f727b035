package publisher

import (
	"context"

	"github.com/spez-io/spez/schema"
)

// Message attribute keys carried alongside every published record.
const (
	AttrTableName       = "tableName"
	AttrCommitTimestamp = "commitTimestamp"
)

// Sink represents the downstream event ledger (e.g. NATS, Kafka).
// Delivery semantics are at-least-once.
type Sink interface {
	// Publish appends a record to the ledger topic
	Publish(ctx context.Context, topic, key string, value []byte, attrs map[string]string) error
	// Close releases any resources held by the sink
	Close() error
}

// Encoder turns a row event into its schema-bound binary record.
// Implemented by the codec package.
type Encoder interface {
	Encode(row *schema.Row) ([]byte, error)
}
