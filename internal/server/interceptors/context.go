package interceptors

import (
	"context"
	"net/netip"
)

type contextKey struct{ name string }

var (
	clientKey   = contextKey{"client"}
	operatorKey = contextKey{"operator"}
)

// WithClient returns a context carrying the caller's address.
func WithClient(ctx context.Context, addr netip.Addr) context.Context {
	return context.WithValue(ctx, clientKey, addr)
}

// GetClient returns the caller's address and true if set; otherwise the zero Addr, false.
func GetClient(ctx context.Context) (netip.Addr, bool) {
	v, ok := ctx.Value(clientKey).(netip.Addr)
	return v, ok && v.IsValid()
}

// WithOperator returns a context carrying the authenticated operator of an administrative RPC.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

// GetOperator returns the operator subject and true if set; otherwise "", false.
func GetOperator(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operatorKey).(string)
	return v, ok
}
