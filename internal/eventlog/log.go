// Package eventlog is a durable, append-only stream with independent consumer groups.
//
// Each group keeps its own cursor and a pending set of delivered but unacknowledged
// entries per consumer. Within a group a record is handed to exactly one consumer,
// at least once. Groups never affect each other.
package eventlog

import (
	"context"
	"errors"
	"time"
)

// ErrNoGroup is returned when reading from a group that was never created.
var ErrNoGroup = errors.New("eventlog: no such consumer group")

// Record is the flat field map stored in a topic.
type Record map[string]string

// Entry is a record together with its log-assigned identifier.
type Entry struct {
	ID     string
	Record Record
}

// Log is implemented by the Redis Streams backend and the in-memory backend.
type Log interface {
	// Append adds a record to the topic and returns its id. It never waits for consumers.
	Append(ctx context.Context, topic string, rec Record) (string, error)

	// AppendBatch appends records in order using a single round trip where the backend allows it.
	AppendBatch(ctx context.Context, topic string, recs []Record) ([]string, error)

	// EnsureGroup creates the group (and the topic) if missing. Calling it again is a no-op.
	EnsureGroup(ctx context.Context, topic, group string, opts ...GroupOption) error

	// Read returns up to count entries newly assigned to consumer, waiting at most block.
	// A timeout yields an empty batch and a nil error. block <= 0 does not wait.
	Read(ctx context.Context, topic, group, consumer string, count int, block time.Duration) ([]Entry, error)

	// Pending returns the consumer's own unacknowledged entries, oldest first.
	Pending(ctx context.Context, topic, group, consumer string, count int) ([]Entry, error)

	// Claim reassigns to consumer the entries other consumers have held for at least minIdle.
	Claim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)

	// Ack marks entries processed for the group. Unknown or already acknowledged ids are ignored.
	Ack(ctx context.Context, topic, group string, ids ...string) error

	// DropGroup removes a group and its pending state.
	DropGroup(ctx context.Context, topic, group string) error
}

// GroupOption customizes EnsureGroup.
type GroupOption func(*groupOptions)

type groupOptions struct {
	fromLatest bool
}

// FromLatest starts a new group after the last entry instead of at the earliest retained one.
func FromLatest() GroupOption {
	return func(o *groupOptions) { o.fromLatest = true }
}

func applyGroupOptions(opts []GroupOption) groupOptions {
	var o groupOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IDs collects the entry identifiers of a batch.
func IDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
