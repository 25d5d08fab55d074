package interceptors

import (
	"context"
	"net/netip"
	"testing"
)

func TestWithClient_RoundTrip(t *testing.T) {
	addr := netip.MustParseAddr("10.1.2.3")
	ctx := WithClient(context.Background(), addr)
	got, ok := GetClient(ctx)
	if !ok {
		t.Fatal("GetClient should return true")
	}
	if got != addr {
		t.Errorf("client = %v, want %v", got, addr)
	}
}

func TestGetClient_NotSet(t *testing.T) {
	if _, ok := GetClient(context.Background()); ok {
		t.Error("GetClient should return false when not set")
	}
	if _, ok := GetClient(WithClient(context.Background(), netip.Addr{})); ok {
		t.Error("GetClient should return false for the zero address")
	}
}

func TestWithOperator_RoundTrip(t *testing.T) {
	ctx := WithOperator(context.Background(), "ops@example.com")
	got, ok := GetOperator(ctx)
	if !ok || got != "ops@example.com" {
		t.Errorf("GetOperator = %q, %v; want %q, true", got, ok, "ops@example.com")
	}
	if _, ok := GetOperator(context.Background()); ok {
		t.Error("GetOperator should return false when not set")
	}
}
