package handler

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"mfa-auth-engine/internal/challenge/domain"
	"mfa-auth-engine/internal/devotp"
)

func request(t *testing.T, txID string) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]interface{}{"transaction_id": txID})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return req
}

func TestGetDeliveredChallenge_Success(t *testing.T) {
	store := devotp.NewMemoryStore()
	_ = store.Deliver(context.Background(), &domain.Challenge{
		TransactionID: "tx-1",
		Payload:       "abcdef",
		ExpiresAt:     time.Now().Add(time.Minute),
	})
	srv := NewServer(store)

	resp, err := srv.GetDeliveredChallenge(context.Background(), request(t, "tx-1"))
	if err != nil {
		t.Fatalf("GetDeliveredChallenge: %v", err)
	}
	if got := resp.GetFields()["payload"].GetStringValue(); got != "abcdef" {
		t.Errorf("payload = %q, want %q", got, "abcdef")
	}
	if got := resp.GetFields()["note"].GetStringValue(); got != devNote {
		t.Errorf("note = %q, want %q", got, devNote)
	}
}

func TestGetDeliveredChallenge_NotFound(t *testing.T) {
	srv := NewServer(devotp.NewMemoryStore())
	_, err := srv.GetDeliveredChallenge(context.Background(), request(t, "missing"))
	if status.Code(err) != codes.NotFound {
		t.Errorf("status code = %v, want %v", status.Code(err), codes.NotFound)
	}
}

func TestGetDeliveredChallenge_MissingID(t *testing.T) {
	srv := NewServer(devotp.NewMemoryStore())
	_, err := srv.GetDeliveredChallenge(context.Background(), &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("status code = %v, want %v", status.Code(err), codes.InvalidArgument)
	}
}
