package util

import "github.com/pkg/errors"

var (
	// ErrKvsUnavailable is surfaced after a retry-until-present KVS get
	// exhausts its cumulative backoff budget (spec §9's 30s cap).
	ErrKvsUnavailable = errors.New("kvs unavailable")
	// ErrTimeout is surfaced by a blocking receive that exceeds its deadline.
	ErrTimeout = errors.New("timed out waiting for reply")
)
