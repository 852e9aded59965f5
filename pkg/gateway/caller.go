package gateway

import (
	"context"

	"github.com/billm/baaaht/awareness/pkg/types"
)

type callerKey struct{}

// WithCaller returns a context carrying the principal of the process that
// issued the current call. Transports resolve the principal once per request
// and attach it here.
func WithCaller(ctx context.Context, p types.Principal) context.Context {
	return context.WithValue(ctx, callerKey{}, p)
}

// CallerFrom returns the principal stored by WithCaller
func CallerFrom(ctx context.Context) (types.Principal, bool) {
	if ctx == nil {
		return types.Principal{}, false
	}
	p, ok := ctx.Value(callerKey{}).(types.Principal)
	return p, ok
}

func resolveCaller(ctx context.Context) (types.Principal, error) {
	p, ok := CallerFrom(ctx)
	if !ok {
		return types.Principal{}, types.NewError(types.ErrCodeUnauthorized, "caller identity unavailable")
	}
	return p, nil
}
