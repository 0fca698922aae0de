package executor

import (
	"context"

	"github.com/hydrosys/faasd/internal/userlib"
)

// UserFunction is a function body resolved to something callable. The
// user library handle is always the implicit first argument (spec §4.5).
type UserFunction func(ctx context.Context, lib *userlib.Library, args []any) (any, error)

// Invoker turns an opaque function-body blob into a callable UserFunction.
// Deserializing/interpreting that blob is explicitly out of scope (spec §9
// Design Notes): the executor is constructed with whatever Invoker the
// surrounding deployment provides.
type Invoker interface {
	Load(body []byte) (UserFunction, error)
}
