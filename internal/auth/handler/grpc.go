// Package handler exposes the authentication coordinator as the gRPC AuthService. Messages are
// google.protobuf.Struct values with snake_case fields.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"mfa-auth-engine/internal/audit"
	auditdomain "mfa-auth-engine/internal/audit/domain"
	"mfa-auth-engine/internal/auth/service"
	"mfa-auth-engine/internal/autherr"
	challengedomain "mfa-auth-engine/internal/challenge/domain"
	"mfa-auth-engine/internal/server/interceptors"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mfa.auth.v1.AuthService"

// Full method names, for interceptor method sets.
const (
	MethodValidate              = "/" + ServiceName + "/Validate"
	MethodCreateChallenge       = "/" + ServiceName + "/CreateChallenge"
	MethodResync                = "/" + ServiceName + "/Resync"
	MethodListPendingChallenges = "/" + ServiceName + "/ListPendingChallenges"
	MethodUnlock                = "/" + ServiceName + "/Unlock"
	MethodResetCounter          = "/" + ServiceName + "/ResetCounter"
	MethodVerifyAudit           = "/" + ServiceName + "/VerifyAudit"
	MethodExportAudit           = "/" + ServiceName + "/ExportAudit"
)

// AdminMethods are the RPCs reserved for operators.
var AdminMethods = map[string]bool{
	MethodListPendingChallenges: true,
	MethodUnlock:                true,
	MethodResetCounter:          true,
	MethodVerifyAudit:           true,
	MethodExportAudit:           true,
}

const defaultExportLimit = 100

// Coordinator is the subset of the authentication coordinator the service calls.
type Coordinator interface {
	Validate(ctx context.Context, req service.ValidateRequest) (*service.Outcome, error)
	CreateChallenge(ctx context.Context, req service.ChallengeRequest) (*service.ChallengeOutcome, error)
	Resync(ctx context.Context, req service.ResyncRequest) (*service.Outcome, error)
	ListPendingChallenges(ctx context.Context, realm string) ([]*challengedomain.Challenge, error)
	Unlock(ctx context.Context, serial string) (*service.Outcome, error)
	ResetCounter(ctx context.Context, serial string, value int64) (*service.Outcome, error)
	VerifyAudit(ctx context.Context, fromSeq int64) (audit.Report, error)
	ExportAudit(ctx context.Context, fromSeq int64, limit int) ([]*auditdomain.Record, error)
}

// AuthServiceServer is the server API for AuthService.
type AuthServiceServer interface {
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateChallenge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPendingChallenges(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unlock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetCounter(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyAudit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportAudit(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Options tune the service.
type Options struct {
	// ReturnChallengePayload includes the challenge payload in CreateChallenge responses. Set it
	// when the caller is the delivery channel (no transport configured).
	ReturnChallengePayload bool
}

// Server implements AuthServiceServer over a Coordinator.
type Server struct {
	coord Coordinator
	opts  Options
}

// NewServer returns an AuthService server. A nil coord answers every RPC with Unimplemented.
func NewServer(coord Coordinator, opts Options) *Server {
	return &Server{coord: coord, opts: opts}
}

// Validate checks an OTP or a challenge answer.
func (s *Server) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coord == nil {
		return nil, status.Error(codes.Unimplemented, "method Validate not implemented")
	}
	f := fields(req)
	realm, login := f.str("realm"), f.str("login")
	if realm == "" || login == "" {
		return nil, status.Error(codes.InvalidArgument, "realm and login are required")
	}
	client, _ := interceptors.GetClient(ctx)
	out, err := s.coord.Validate(ctx, service.ValidateRequest{
		Realm:         realm,
		Login:         login,
		OTP:           f.str("otp"),
		TransactionID: f.str("transaction_id"),
		Client:        client,
	})
	if err := transportError(err); err != nil {
		return nil, err
	}
	return outcomeStruct(out, nil)
}

// CreateChallenge issues a challenge on one of the user's challenge tokens.
func (s *Server) CreateChallenge(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coord == nil {
		return nil, status.Error(codes.Unimplemented, "method CreateChallenge not implemented")
	}
	f := fields(req)
	realm, login := f.str("realm"), f.str("login")
	if realm == "" || login == "" {
		return nil, status.Error(codes.InvalidArgument, "realm and login are required")
	}
	client, _ := interceptors.GetClient(ctx)
	out, err := s.coord.CreateChallenge(ctx, service.ChallengeRequest{
		Realm:       realm,
		Login:       login,
		TokenSerial: f.str("serial"),
		Client:      client,
	})
	if err := transportError(err); err != nil {
		return nil, err
	}
	extra := map[string]interface{}{}
	if out.Success {
		extra["transaction_id"] = out.TransactionID
		extra["expires_at"] = out.ExpiresAt.UTC().Format(time.RFC3339)
		if s.opts.ReturnChallengePayload {
			extra["payload"] = out.Payload
		}
	}
	return outcomeStruct(&out.Outcome, extra)
}

// Resync realigns a drifted token from two consecutive codes.
func (s *Server) Resync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coord == nil {
		return nil, status.Error(codes.Unimplemented, "method Resync not implemented")
	}
	f := fields(req)
	rr := service.ResyncRequest{
		Realm:       f.str("realm"),
		Login:       f.str("login"),
		TokenSerial: f.str("serial"),
		OTP1:        f.str("otp1"),
		OTP2:        f.str("otp2"),
	}
	if rr.Realm == "" || rr.Login == "" || rr.TokenSerial == "" {
		return nil, status.Error(codes.InvalidArgument, "realm, login and serial are required")
	}
	rr.Client, _ = interceptors.GetClient(ctx)
	out, err := s.coord.Resync(ctx, rr)
	if err := transportError(err); err != nil {
		return nil, err
	}
	return outcomeStruct(out, nil)
}

// ListPendingChallenges returns the realm's challenges still awaiting an answer. Payloads are
// never listed.
func (s *Server) ListPendingChallenges(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coord == nil {
		return nil, status.Error(codes.Unimplemented, "method ListPendingChallenges not implemented")
	}
	realm := fields(req).str("realm")
	if realm == "" {
		return nil, status.Error(codes.InvalidArgument, "realm is required")
	}
	cs, err := s.coord.ListPendingChallenges(ctx, realm)
	if err != nil {
		return nil, status.Error(codes.Internal, "list pending challenges failed")
	}
	list := make([]interface{}, 0, len(cs))
	for _, c := range cs {
		list = append(list, map[string]interface{}{
			"transaction_id": c.TransactionID,
			"serial":         c.TokenSerial,
			"user_id":        c.UserID,
			"status":         string(c.Status),
			"issued_at":      c.IssuedAt.UTC().Format(time.RFC3339),
			"expires_at":     c.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"challenges": list})
}

// Unlock releases a locked token.
func (s *Server) Unlock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coord == nil {
		return nil, status.Error(codes.Unimplemented, "method Unlock not implemented")
	}
	serial := fields(req).str("serial")
	if serial == "" {
		return nil, status.Error(codes.InvalidArgument, "serial is required")
	}
	out, err := s.coord.Unlock(ctx, serial)
	if err := transportError(err); err != nil {
		return nil, err
	}
	return outcomeStruct(out, nil)
}

// ResetCounter sets an event token's counter.
func (s *Server) ResetCounter(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coord == nil {
		return nil, status.Error(codes.Unimplemented, "method ResetCounter not implemented")
	}
	f := fields(req)
	serial := f.str("serial")
	value, ok := f.int("value")
	if serial == "" || !ok {
		return nil, status.Error(codes.InvalidArgument, "serial and value are required")
	}
	out, err := s.coord.ResetCounter(ctx, serial, value)
	if errors.Is(err, service.ErrNegativeCounter) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := transportError(err); err != nil {
		return nil, err
	}
	return outcomeStruct(out, nil)
}

// VerifyAudit walks the audit chain from from_sequence.
func (s *Server) VerifyAudit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coord == nil {
		return nil, status.Error(codes.Unimplemented, "method VerifyAudit not implemented")
	}
	from, _ := fields(req).int("from_sequence")
	rep, err := s.coord.VerifyAudit(ctx, from)
	if err != nil {
		return nil, status.Error(codes.Internal, "audit verification failed")
	}
	return structpb.NewStruct(map[string]interface{}{
		"trusted":         rep.Trusted(),
		"checked":         rep.Checked,
		"first_untrusted": rep.FirstUntrusted,
		"reason":          rep.Reason,
	})
}

// ExportAudit returns audit records from from_sequence, oldest first.
func (s *Server) ExportAudit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.coord == nil {
		return nil, status.Error(codes.Unimplemented, "method ExportAudit not implemented")
	}
	f := fields(req)
	from, _ := f.int("from_sequence")
	limit, ok := f.int("limit")
	if !ok || limit <= 0 {
		limit = defaultExportLimit
	}
	recs, err := s.coord.ExportAudit(ctx, from, int(limit))
	if err != nil {
		return nil, status.Error(codes.Internal, "audit export failed")
	}
	views := make([]audit.ExportedRecord, len(recs))
	for i, r := range recs {
		views[i] = audit.ExportView(r)
	}
	return toStruct(map[string]interface{}{"records": views})
}

// transportError maps the failures that are not authentication outcomes to gRPC status errors:
// unreachable identity backends, a lost audit write and internal errors. Everything else is
// reported in the response body.
func transportError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, autherr.ErrResolverUnavailable):
		return status.Error(codes.Unavailable, "identity backends unavailable")
	case errors.Is(err, autherr.ErrAuditFailure):
		return status.Error(codes.Internal, "audit record could not be written")
	case autherr.Code(err) == autherr.CodeInternal:
		return status.Error(codes.Internal, "internal error")
	}
	return nil
}

func outcomeStruct(out *service.Outcome, extra map[string]interface{}) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"success":        out.Success,
		"code":           out.Code,
		"message":        out.Message,
		"fail_count":     out.FailCount,
		"serial":         out.TokenSerial,
		"resolver":       out.Resolver,
		"audit_sequence": out.AuditSequence,
	}
	for k, v := range extra {
		m[k] = v
	}
	return structpb.NewStruct(m)
}

// toStruct converts v through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(b); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return s, nil
}

type fieldMap map[string]*structpb.Value

func fields(req *structpb.Struct) fieldMap {
	return fieldMap(req.GetFields())
}

func (f fieldMap) str(key string) string {
	return f[key].GetStringValue()
}

// int accepts a JSON number or a decimal string.
func (f fieldMap) int(key string) (int64, bool) {
	v, ok := f[key]
	if !ok {
		return 0, false
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return int64(k.NumberValue), true
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// RegisterAuthServiceServer registers srv with s.
func RegisterAuthServiceServer(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&AuthServiceDesc, srv)
}

func unaryMethod(name string, call func(AuthServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AuthServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AuthServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// AuthServiceDesc is the grpc.ServiceDesc for AuthService.
var AuthServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Validate", AuthServiceServer.Validate),
		unaryMethod("CreateChallenge", AuthServiceServer.CreateChallenge),
		unaryMethod("Resync", AuthServiceServer.Resync),
		unaryMethod("ListPendingChallenges", AuthServiceServer.ListPendingChallenges),
		unaryMethod("Unlock", AuthServiceServer.Unlock),
		unaryMethod("ResetCounter", AuthServiceServer.ResetCounter),
		unaryMethod("VerifyAudit", AuthServiceServer.VerifyAudit),
		unaryMethod("ExportAudit", AuthServiceServer.ExportAudit),
	},
	Streams: []grpc.StreamDesc{},
}
