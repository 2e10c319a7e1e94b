// Package transport defines the append-only stream transport used for all
// inter-component messaging. Streams carry string-field entries with
// transport-assigned monotonic ids; consumer groups provide at-least-once
// delivery with explicit ack. Two backends are provided: an in-process
// queue (TypeLocal) and Redis streams (TypeStream).
package transport

import (
	"context"
	"errors"
	"time"
)

// Transport type names accepted by New and the TRANSPORT_TYPE env knob.
const (
	TypeLocal  = "local"
	TypeStream = "stream"
)

// ErrGroupExists is returned by GroupCreate when the consumer group has
// already been created on the stream. Callers treat this as benign.
var ErrGroupExists = errors.New("consumer group already exists")

// Entry is a single stream entry. ID is assigned by the transport on append
// and is monotonic within a stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// GroupCreateOptions configures GroupCreate.
type GroupCreateOptions struct {
	// MakeStream creates the stream if it does not exist yet.
	MakeStream bool
}

// ReadGroupArgs parameterizes a consumer-group read. Only new entries
// (the ">" cursor) are delivered; reclaim of another consumer's pending
// entries is out of scope.
type ReadGroupArgs struct {
	Stream   string
	Group    string
	Consumer string
	// Count is the maximum number of entries to return. Zero means 1.
	Count int64
	// Block is how long to wait for entries before returning an empty
	// result. Zero means do not block.
	Block time.Duration
}

// Transport is the append-only stream abstraction. All blocking operations
// honor the context deadline.
type Transport interface {
	// GroupCreate creates a consumer group starting at startID ("0" or "$").
	// Returns ErrGroupExists if the group already exists.
	GroupCreate(ctx context.Context, stream, group, startID string, opts GroupCreateOptions) error

	// ReadGroup reads up to args.Count new entries for the group. Returns an
	// empty slice when the block timeout elapses with nothing to deliver.
	// Delivered entries remain pending to the consumer until acked.
	ReadGroup(ctx context.Context, args ReadGroupArgs) ([]Entry, error)

	// Ack removes an entry from the group's pending set. Idempotent.
	Ack(ctx context.Context, stream, group, id string) error

	// Append adds an entry to the stream and returns the assigned id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// Range returns up to count entries with ids in [start, end]. The
	// sentinels "-" and "+" select the stream extremes.
	Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error)

	// Delete removes entries from the stream by id.
	Delete(ctx context.Context, stream string, ids ...string) error

	// Close releases backend resources.
	Close() error
}
