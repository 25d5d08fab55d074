package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestCollectorTarget(t *testing.T) {
	tests := []struct {
		endpoint  string
		target    string
		plaintext bool
		wantErr   bool
	}{
		{endpoint: "otel-collector:4317", target: "otel-collector:4317", plaintext: true},
		{endpoint: "http://localhost:4317", target: "localhost:4317", plaintext: true},
		{endpoint: "https://collector.example.com:4317/v1/traces", target: "collector.example.com:4317"},
		{endpoint: "http://", wantErr: true},
		{endpoint: "://invalid", wantErr: true},
	}
	for _, tt := range tests {
		target, plaintext, err := collectorTarget(tt.endpoint)
		if tt.wantErr {
			if err == nil {
				t.Errorf("collectorTarget(%q): want error", tt.endpoint)
			}
			continue
		}
		if err != nil {
			t.Errorf("collectorTarget(%q): %v", tt.endpoint, err)
			continue
		}
		if target != tt.target || plaintext != tt.plaintext {
			t.Errorf("collectorTarget(%q) = %q, %t; want %q, %t", tt.endpoint, target, plaintext, tt.target, tt.plaintext)
		}
	}
}

func TestNewProviders_InvalidEndpoint(t *testing.T) {
	if _, err := NewProviders(context.Background(), "http://", "mfa-auth-engine", false); err == nil {
		t.Fatal("want error for endpoint without host")
	}
}

func TestNewProviders_InProcessFeedsEngineMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	p, err := NewProviders(ctx, "  ", "mfa-auth-engine", false, reader)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil {
		t.Fatal("every provider should be set")
	}
	m, err := NewMetrics(p.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.AuthAttempt(ctx, "validate", "invalid_otp")
	m.Lockout(ctx, "corp")
	m.ResolverSoftFailure(ctx, "ldap")
	m.AuditAppend(ctx)

	got := collectSums(t, reader)
	for _, name := range []string{"mfa.auth.attempts", "mfa.token.lockouts", "mfa.resolver.soft_failures", "mfa.audit.appends"} {
		if got[name] != 1 {
			t.Errorf("%s = %d, want 1", name, got[name])
		}
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestJoinShutdown_ReverseOrderAndJoinedErrors(t *testing.T) {
	errTrace := errors.New("trace flush failed")
	errLog := errors.New("log flush failed")
	var order []string
	stop := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}
	shutdown := joinShutdown([]func(context.Context) error{
		stop("trace", errTrace),
		stop("metric", nil),
		stop("log", errLog),
	})

	err := shutdown(context.Background())
	if !errors.Is(err, errTrace) || !errors.Is(err, errLog) {
		t.Fatalf("err = %v, want both exporter errors", err)
	}
	want := []string{"log", "metric", "trace"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestJoinShutdown_AllStopCleanly(t *testing.T) {
	shutdown := joinShutdown([]func(context.Context) error{
		func(context.Context) error { return nil },
	})
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown = %v, want nil", err)
	}
	if err := joinShutdown(nil)(context.Background()); err != nil {
		t.Errorf("empty Shutdown = %v, want nil", err)
	}
}

func TestSetGlobal(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	p, err := NewProviders(context.Background(), "", "mfa-auth-engine", false)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	p.SetGlobal()
	if otel.GetTracerProvider() != p.TracerProvider {
		t.Error("global tracer provider not installed")
	}
	if otel.GetMeterProvider() != p.MeterProvider {
		t.Error("global meter provider not installed")
	}

	(&Providers{}).SetGlobal()
	if otel.GetTracerProvider() != p.TracerProvider {
		t.Error("empty Providers must not replace the global tracer provider")
	}
}
