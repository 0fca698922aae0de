package kvs

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Client used by component tests; it is not a
// causal-consistency lattice implementation, just enough bookkeeping to
// exercise the code paths that call Client.
type Fake struct {
	mu     sync.Mutex
	values map[string]VersionedValue
}

func NewFake() *Fake {
	return &Fake{values: map[string]VersionedValue{}}
}

func (f *Fake) Get(_ context.Context, key string) (VersionedValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return VersionedValue{}, ErrNotFound{Key: key}
	}
	return v, nil
}

func (f *Fake) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = VersionedValue{Body: value, Timestamp: time.Now()}
	return nil
}

func (f *Fake) CausalGet(ctx context.Context, key, _ string) (VersionedValue, error) {
	return f.Get(ctx, key)
}

func (f *Fake) CausalPut(_ context.Context, key string, vc map[string]uint64, _ []string, value []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = VersionedValue{Body: value, Timestamp: time.Now(), VectorClock: vc}
	return nil
}

// Preload seeds a key directly, bypassing Put's timestamp bookkeeping. Used
// by placement-locality tests to pre-populate a key's location.
func (f *Fake) Preload(key string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = VersionedValue{Body: value, Timestamp: time.Now()}
}
