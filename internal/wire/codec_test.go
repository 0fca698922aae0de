package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := DagSchedule{
		ID:             "sched-1",
		TargetFunction: "double",
		Triggers:       []string{BeginTrigger},
	}
	buf, err := Encode(in)
	require.NoError(t, err)

	var out DagSchedule
	require.NoError(t, Decode(bytes.NewReader(buf), &out))
	assert.Equal(t, in, out)
}

func TestDecodeTruncatedStreamErrors(t *testing.T) {
	buf, err := Encode("hello")
	require.NoError(t, err)

	var out string
	err = Decode(bytes.NewReader(buf[:len(buf)-2]), &out)
	assert.Error(t, err)
}
