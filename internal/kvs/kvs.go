// Package kvs declares the external causally-consistent key-value store
// collaborator this compute plane is layered on top of (spec §1, §6). The
// real implementation lives outside this module; callers depend only on
// this interface, plus the in-memory Fake used by tests.
package kvs

import (
	"context"
	"time"
)

// VersionedValue is a value plus the metadata needed to merge concurrent
// writes and to drive GC notifications for causal reads.
type VersionedValue struct {
	Body        []byte
	Timestamp   time.Time
	VectorClock map[string]uint64
	ServedBy    string // address of the KVS node that returned this value
}

// Client is the KVS surface this compute plane consumes. Implementations
// must be safe for concurrent use.
type Client interface {
	Get(ctx context.Context, key string) (VersionedValue, error)
	Put(ctx context.Context, key string, value []byte) error

	CausalGet(ctx context.Context, key, clientID string) (VersionedValue, error)
	CausalPut(ctx context.Context, key string, vectorClock map[string]uint64, deps []string, value []byte, clientID string) error
}

// ErrNotFound is returned by Get/CausalGet when the key has never been
// written. Per spec §7 this is a local, recoverable condition: callers
// retry with backoff rather than surfacing it immediately.
type ErrNotFound struct{ Key string }

func (e ErrNotFound) Error() string { return "kvs: key not found: " + e.Key }
