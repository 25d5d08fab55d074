package server

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/protobuf/types/known/structpb"

	authhandler "mfa-auth-engine/internal/auth/handler"
	"mfa-auth-engine/internal/devotp"
	devhandler "mfa-auth-engine/internal/devotp/handler"
)

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	callCount int
	services  []string
	impls     map[string]interface{}
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.callCount++
	if m.impls == nil {
		m.impls = make(map[string]interface{})
	}
	m.services = append(m.services, desc.ServiceName)
	m.impls[desc.ServiceName] = impl
}

func TestRegisterServices_DevServiceNotRegisteredWhenNil(t *testing.T) {
	mockReg := &mockServiceRegistrar{}
	RegisterServices(mockReg, Deps{Auth: authhandler.NewServer(nil, authhandler.Options{})})

	want := []string{authhandler.ServiceName, "grpc.health.v1.Health"}
	if mockReg.callCount != len(want) {
		t.Fatalf("RegisterService called %d times, want %d", mockReg.callCount, len(want))
	}
	for i, name := range want {
		if mockReg.services[i] != name {
			t.Errorf("services[%d] = %q, want %q", i, mockReg.services[i], name)
		}
	}
}

func TestRegisterServices_DevServiceRegisteredWhenProvided(t *testing.T) {
	mockReg := &mockServiceRegistrar{}
	RegisterServices(mockReg, Deps{DevHandler: devhandler.NewServer(devotp.NewMemoryStore())})

	if mockReg.callCount != 3 {
		t.Fatalf("RegisterService called %d times, want 3 (DevService should be registered)", mockReg.callCount)
	}
	if _, ok := mockReg.impls[devhandler.ServiceName]; !ok {
		t.Errorf("DevService not registered: %v", mockReg.services)
	}
}

func TestRegisterServices_NilDependencies(t *testing.T) {
	mockReg := &mockServiceRegistrar{}
	RegisterServices(mockReg, Deps{})

	if mockReg.callCount != 2 {
		t.Fatalf("RegisterService called %d times, want 2", mockReg.callCount)
	}
	auth, ok := mockReg.impls[authhandler.ServiceName].(authhandler.AuthServiceServer)
	if !ok {
		t.Fatalf("AuthService impl = %T", mockReg.impls[authhandler.ServiceName])
	}
	if _, err := auth.Validate(context.Background(), &structpb.Struct{}); err == nil {
		t.Error("Validate without a coordinator should fail")
	}
}

func TestRegisterServices_UsesGivenHealthServer(t *testing.T) {
	mockReg := &mockServiceRegistrar{}
	hs := health.NewServer()
	RegisterServices(mockReg, Deps{Health: hs})

	if got := mockReg.impls["grpc.health.v1.Health"]; got != hs {
		t.Errorf("health impl = %v, want the given server", got)
	}
}

func TestNewServer_RegistersServices(t *testing.T) {
	s := NewServer(Deps{Logger: zerolog.Nop()})
	defer s.Stop()

	info := s.GetServiceInfo()
	for _, name := range []string{authhandler.ServiceName, "grpc.health.v1.Health"} {
		if _, ok := info[name]; !ok {
			t.Errorf("service %q not registered", name)
		}
	}
	if _, ok := info[devhandler.ServiceName]; ok {
		t.Error("DevService should not be registered without a handler")
	}
}
