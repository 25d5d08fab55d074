package interceptors

import (
	"context"
	"net"
	"net/netip"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// ClientUnary returns a unary server interceptor that stores the caller's address in the context
// for policy client filters and the audit trail. Forwarding headers are honoured only when
// trustForwarded is set (the server sits behind a proxy that overwrites them).
func ClientUnary(trustForwarded bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if addr, err := netip.ParseAddr(ClientIP(ctx, trustForwarded)); err == nil {
			ctx = WithClient(ctx, addr.Unmap())
		}
		return handler(ctx, req)
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) when
// trustForwarded is set, otherwise from the peer, or "unknown".
func ClientIP(ctx context.Context, trustForwarded bool) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok && trustForwarded {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
