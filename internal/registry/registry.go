// Package registry is the durable, KVS-backed index of function bodies and
// DAG definitions (spec §4.6). Functions live under the "funcs/" prefix; the
// list of all function names is itself a key stored as a last-writer-wins
// list, deduped on both read and write. DAG bodies are stored under their
// own name.
package registry

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/util"
	"github.com/hydrosys/faasd/internal/wire"
)

const (
	funcPrefix    = "funcs/"
	allFuncsIndex = "funcs/index-allfuncs"

	kvsAttemptTimeout  = time.Second
	kvsCumulativeCap   = 30 * time.Second

	funcCacheSize = 256
	dagCacheSize  = 256
)

func funcKey(name string) string { return funcPrefix + name }

// Registry reads/writes functions and DAGs through kvs.Client, with a local
// LRU in front to avoid a round trip on every pin.
type Registry struct {
	store kvs.Client

	funcCache *util.Cache[wire.Function]
	dagCache  *util.Cache[wire.Dag]

	group singleflight.Group
}

func New(store kvs.Client) *Registry {
	return &Registry{
		store:     store,
		funcCache: util.NewCache[wire.Function](funcCacheSize),
		dagCache:  util.NewCache[wire.Dag](dagCacheSize),
	}
}

// CreateFunction stores body under the function prefix and appends name to
// the global index lattice. Fails only on a KVS error.
func (r *Registry) CreateFunction(ctx context.Context, name string, body []byte) error {
	if err := r.store.Put(ctx, funcKey(name), body); err != nil {
		return errors.Wrapf(err, "store function %q", name)
	}
	r.funcCache.Add(name, wire.Function{Name: name, Body: body})
	return r.appendToIndex(ctx, name)
}

func (r *Registry) appendToIndex(ctx context.Context, name string) error {
	names, err := r.readIndex(ctx)
	if err != nil && !isNotFound(err) {
		return err
	}
	for _, n := range names {
		if n == name {
			return nil // writer-side dedup
		}
	}
	names = append(names, name)
	sort.Strings(names)
	return r.store.Put(ctx, allFuncsIndex, encodeNames(names))
}

func (r *Registry) readIndex(ctx context.Context) ([]string, error) {
	v, err := r.store.Get(ctx, allFuncsIndex)
	if err != nil {
		return nil, err
	}
	names, err := decodeNames(v.Body)
	if err != nil {
		return nil, err
	}
	// reader-side dedup
	seen := map[string]bool{}
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// ListFunctions returns every registered function name with the given
// prefix. Reads the index directly; callers that just need to check
// existence should prefer GetFunction, which consults the local cache
// first.
func (r *Registry) ListFunctions(ctx context.Context, prefix string) ([]string, error) {
	names, err := r.readIndex(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, n := range names {
		if len(prefix) == 0 || hasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// GetFunction loads a function body, retrying with bounded backoff if it's
// not yet visible in the KVS (spec §4.2's "retrying until found" pin path),
// collapsing concurrent callers for the same name onto one KVS round trip.
func (r *Registry) GetFunction(ctx context.Context, name string) (wire.Function, error) {
	if f, ok := r.funcCache.Get(name); ok {
		return f, nil
	}

	v, err, _ := r.group.Do("func:"+name, func() (any, error) {
		body, err := util.RetryUntilPresent(ctx, kvsAttemptTimeout, kvsCumulativeCap, func(ac context.Context) ([]byte, error) {
			vv, err := r.store.Get(ac, funcKey(name))
			if err != nil {
				if isNotFound(err) {
					return nil, nil
				}
				return nil, err
			}
			return vv.Body, nil
		})
		if err != nil {
			return nil, err
		}
		return wire.Function{Name: name, Body: body}, nil
	})
	if err != nil {
		return wire.Function{}, errors.Wrapf(err, "load function %q", name)
	}
	f := v.(wire.Function)
	r.funcCache.Add(name, f)
	return f, nil
}

// CreateDag validates and stores dag under its own name.
func (r *Registry) CreateDag(ctx context.Context, dag wire.Dag) error {
	if err := dag.Validate(); err != nil {
		return err
	}
	buf, err := encodeDag(dag)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, dag.Name, buf); err != nil {
		return errors.Wrapf(err, "store dag %q", dag.Name)
	}
	r.dagCache.Add(dag.Name, dag)
	return nil
}

// GetDag loads a DAG, retrying until present (used by gossip ingestion for
// DAG names learned from a peer, spec §4.3).
func (r *Registry) GetDag(ctx context.Context, name string) (wire.Dag, error) {
	if d, ok := r.dagCache.Get(name); ok {
		return d, nil
	}

	v, err, _ := r.group.Do("dag:"+name, func() (any, error) {
		body, err := util.RetryUntilPresent(ctx, kvsAttemptTimeout, kvsCumulativeCap, func(ac context.Context) ([]byte, error) {
			vv, err := r.store.Get(ac, name)
			if err != nil {
				if isNotFound(err) {
					return nil, nil
				}
				return nil, err
			}
			return vv.Body, nil
		})
		if err != nil {
			return nil, err
		}
		return decodeDag(body)
	})
	if err != nil {
		return wire.Dag{}, errors.Wrapf(err, "load dag %q", name)
	}
	d := v.(wire.Dag)
	r.dagCache.Add(name, d)
	return d, nil
}

func isNotFound(err error) bool {
	_, ok := err.(kvs.ErrNotFound)
	return ok
}

func encodeNames(names []string) []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(names)
	return buf.Bytes()
}

func decodeNames(b []byte) ([]string, error) {
	var names []string
	if len(b) == 0 {
		return nil, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&names); err != nil {
		return nil, errors.Wrap(err, "decode function index")
	}
	return names, nil
}

func encodeDag(d wire.Dag) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, errors.Wrap(err, "encode dag")
	}
	return buf.Bytes(), nil
}

func decodeDag(b []byte) (wire.Dag, error) {
	var d wire.Dag
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&d); err != nil {
		return wire.Dag{}, errors.Wrap(err, "decode dag")
	}
	return d, nil
}
