package executor

import (
	"bytes"
	"encoding/gob"

	"github.com/pkg/errors"

	"github.com/hydrosys/faasd/internal/wire"
)

// encodeResult serializes a user function's return value to the byte form
// every downstream consumer (trigger payload, sink value, KVS body) expects.
// A []byte result passes through untouched; anything else is gob-encoded.
func encodeResult(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode function result")
	}
	return buf.Bytes(), nil
}

// encodeError turns a user function's error into the byte payload carried
// downstream in its place; readers that care about failure inspect this
// before treating a trigger/sink body as a real result.
func encodeError(err error) []byte {
	return []byte("error: " + err.Error())
}

// collectVersionedKeys dedups the VersionedKeyLocation set across every
// trigger that fed one invocation, for the causal path's GC notification.
func collectVersionedKeys(trigMap map[string]wire.DagTrigger) []wire.VersionedKeyLocation {
	seen := map[string]bool{}
	var out []wire.VersionedKeyLocation
	for _, t := range trigMap {
		for _, vk := range t.VersionedKeys {
			if seen[vk.Key] {
				continue
			}
			seen[vk.Key] = true
			out = append(out, vk)
		}
	}
	return out
}

// collectDependencies unions the causal dependency sets carried by every
// trigger that fed one invocation.
func collectDependencies(trigMap map[string]wire.DagTrigger) []wire.CausalDependency {
	seen := map[string]bool{}
	var out []wire.CausalDependency
	for _, t := range trigMap {
		for _, d := range t.Dependencies {
			if seen[d.Key] {
				continue
			}
			seen[d.Key] = true
			out = append(out, d)
		}
	}
	return out
}

// mergeVectorClocks takes the pointwise max of every dependency's vector
// clock and bumps the caller's own entry, producing the clock a causal sink
// write should carry.
func mergeVectorClocks(deps []wire.CausalDependency, clientID string) map[string]uint64 {
	merged := map[string]uint64{}
	for _, d := range deps {
		for node, ctr := range d.VectorClock {
			if ctr > merged[node] {
				merged[node] = ctr
			}
		}
	}
	merged[clientID]++
	return merged
}

// depKeys extracts the key set a causal write should declare as its
// dependencies.
func depKeys(deps []wire.CausalDependency) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.Key)
	}
	return out
}
