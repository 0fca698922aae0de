package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrosys/faasd/internal/kvs"
	"github.com/hydrosys/faasd/internal/wire"
)

func TestCreateAndGetFunction(t *testing.T) {
	ctx := context.Background()
	reg := New(kvs.NewFake())

	require.NoError(t, reg.CreateFunction(ctx, "double", []byte("body")))

	fn, err := reg.GetFunction(ctx, "double")
	require.NoError(t, err)
	assert.Equal(t, "double", fn.Name)
	assert.Equal(t, []byte("body"), fn.Body)
}

func TestListFunctionsFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	reg := New(kvs.NewFake())

	require.NoError(t, reg.CreateFunction(ctx, "pipeline/a", []byte("a")))
	require.NoError(t, reg.CreateFunction(ctx, "pipeline/b", []byte("b")))
	require.NoError(t, reg.CreateFunction(ctx, "other", []byte("c")))

	names, err := reg.ListFunctions(ctx, "pipeline/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pipeline/a", "pipeline/b"}, names)
}

func TestCreateFunctionIndexIsDeduped(t *testing.T) {
	ctx := context.Background()
	reg := New(kvs.NewFake())

	require.NoError(t, reg.CreateFunction(ctx, "double", []byte("v1")))
	require.NoError(t, reg.CreateFunction(ctx, "double", []byte("v2")))

	names, err := reg.ListFunctions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"double"}, names)
}

func TestCreateAndGetDag(t *testing.T) {
	ctx := context.Background()
	reg := New(kvs.NewFake())

	dag := wire.Dag{
		Name:      "chain",
		Functions: []string{"a", "b"},
		Connections: []wire.DagEdge{
			{Source: "a", Sink: "b"},
		},
	}
	require.NoError(t, reg.CreateDag(ctx, dag))

	got, err := reg.GetDag(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, dag, got)
}

func TestCreateDagRejectsCycle(t *testing.T) {
	ctx := context.Background()
	reg := New(kvs.NewFake())

	dag := wire.Dag{
		Name:      "cycle",
		Functions: []string{"a", "b"},
		Connections: []wire.DagEdge{
			{Source: "a", Sink: "b"},
			{Source: "b", Sink: "a"},
		},
	}
	assert.Error(t, reg.CreateDag(ctx, dag))
}

func TestGetFunctionNotFound(t *testing.T) {
	reg := New(kvs.NewFake())
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // never retries; fails on first attempt

	_, err := reg.GetFunction(ctx, "missing")
	assert.Error(t, err)
}
