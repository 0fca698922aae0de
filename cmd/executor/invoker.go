package main

import (
	"context"
	"plugin"

	"github.com/pkg/errors"

	"github.com/hydrosys/faasd/internal/executor"
	"github.com/hydrosys/faasd/internal/userlib"
	"github.com/hydrosys/faasd/internal/wire"
)

// nativeInvoker loads a function body as a Go plugin exposing a package-level
// Handle(ctx, lib, args) (any, error) symbol. Real deployments are expected
// to swap this for whatever runtime executes their function bodies
// (spec §9 Design Notes explicitly puts body interpretation out of scope);
// this implementation exists so the executor is runnable standalone against
// a local plugin build.
type nativeInvoker struct{}

func (nativeInvoker) Load(body []byte) (executor.UserFunction, error) {
	path := string(body)
	p, err := plugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open plugin %q", path)
	}
	sym, err := p.Lookup("Handle")
	if err != nil {
		return nil, errors.Wrapf(err, "lookup Handle in %q", path)
	}
	handle, ok := sym.(func(context.Context, *userlib.Library, []any) (any, error))
	if !ok {
		return nil, errors.Errorf("plugin %q: Handle has wrong signature", path)
	}
	return executor.UserFunction(handle), nil
}

func addressOf(ip string, tid int) wire.Address {
	return wire.Address{IP: ip, TID: tid}
}
