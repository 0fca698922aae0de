package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDagSources(t *testing.T) {
	d := Dag{
		Name:      "chain",
		Functions: []string{"a", "b", "c"},
		Connections: []DagEdge{
			{Source: "a", Sink: "b"},
			{Source: "b", Sink: "c"},
		},
	}
	assert.Equal(t, []string{"a"}, d.Sources())
	assert.Equal(t, []string{"a"}, d.Predecessors("b"))
	assert.Equal(t, []string{"b"}, d.Successors("a"))
}

func TestDagValidateAcyclic(t *testing.T) {
	d := Dag{
		Name:      "fanout",
		Functions: []string{"a", "b", "c"},
		Connections: []DagEdge{
			{Source: "a", Sink: "b"},
			{Source: "a", Sink: "c"},
		},
	}
	require.NoError(t, d.Validate())
}

func TestDagValidateCycleRejected(t *testing.T) {
	d := Dag{
		Name:      "cycle",
		Functions: []string{"a", "b"},
		Connections: []DagEdge{
			{Source: "a", Sink: "b"},
			{Source: "b", Sink: "a"},
		},
	}
	assert.Error(t, d.Validate())
}

func TestDagValidateUnknownFunctionRejected(t *testing.T) {
	d := Dag{
		Name:      "dangling",
		Functions: []string{"a"},
		Connections: []DagEdge{
			{Source: "a", Sink: "ghost"},
		},
	}
	assert.Error(t, d.Validate())
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "SUCCESS", Success.String())
	assert.Equal(t, "NOT_PINNED", NotPinned.String())
	assert.Equal(t, "UNKNOWN", ErrorCode(99).String())
}
