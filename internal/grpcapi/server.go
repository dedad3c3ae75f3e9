package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/authz"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/resolve"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/service"
	"github.com/BrandonDHaskell/Portgate/server/internal/portgate/types"
)

type Dependencies struct {
	Logger *slog.Logger
	Access *service.AccessService
	Agents *service.AgentRegistry
}

type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
	access     *service.AccessService
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		health: health.NewServer(),
		logger: d.Logger,
		access: d.Access,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		loggingInterceptor(d.Logger),
		agentInterceptor(d.Agents, d.Logger),
	))

	RegisterAccessCheckServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Shutdown marks the server not serving, then drains in-flight calls until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

func (s *Server) Stop() { s.grpcServer.Stop() }

// ── AccessCheck ─────────────────────────────────────────────────────────────

func (s *Server) Resolve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, port, err := parseQuery(in)
	if err != nil {
		return nil, err
	}
	res, err := s.access.Resolve(ctx, agentActor(ctx), userID, port)
	if err != nil {
		return nil, s.statusError(err)
	}
	return structpb.NewStruct(resultFields(res))
}

// Check answers with allowed=false whenever the engine cannot decide. The
// error status tells the agent why.
func (s *Server) Check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, port, err := parseQuery(in)
	if err != nil {
		return nil, err
	}
	res, err := s.access.Check(ctx, agentActor(ctx), userID, port)
	if err != nil {
		return nil, s.statusError(err)
	}
	return structpb.NewStruct(checkFields(res))
}

// CheckPorts answers several ports for one user from one snapshot.
func (s *Server) CheckPorts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID, err := parseUserID(in)
	if err != nil {
		return nil, err
	}
	values := in.GetFields()["ports"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, status.Error(codes.InvalidArgument, "ports is required")
	}
	ports := make([]int, len(values))
	for i, v := range values {
		if ports[i], err = parsePort(v.GetNumberValue()); err != nil {
			return nil, err
		}
	}

	checks, err := s.access.CheckPorts(ctx, agentActor(ctx), userID, ports)
	if err != nil {
		return nil, s.statusError(err)
	}
	results := make([]any, len(checks))
	for i, c := range checks {
		fields := checkFields(c.CheckResult)
		fields["port"] = c.Port
		results[i] = fields
	}
	return structpb.NewStruct(map[string]any{"results": results})
}

func parseQuery(in *structpb.Struct) (string, int, error) {
	userID, err := parseUserID(in)
	if err != nil {
		return "", 0, err
	}
	port, err := parsePort(in.GetFields()["port"].GetNumberValue())
	if err != nil {
		return "", 0, err
	}
	return userID, port, nil
}

func parseUserID(in *structpb.Struct) (string, error) {
	userID := strings.TrimSpace(in.GetFields()["user_id"].GetStringValue())
	if userID == "" {
		return "", status.Error(codes.InvalidArgument, "user_id is required")
	}
	return userID, nil
}

func parsePort(n float64) (int, error) {
	if n != math.Trunc(n) || n < types.MinPort || n > types.MaxPort {
		return 0, status.Errorf(codes.InvalidArgument, "port must be an integer between %d and %d", types.MinPort, types.MaxPort)
	}
	return int(n), nil
}

func checkFields(res service.CheckResult) map[string]any {
	fields := resultFields(res.Result)
	fields["allowed"] = res.Allowed
	fields["reason"] = res.Reason
	return fields
}

func resultFields(r resolve.Result) map[string]any {
	fields := map[string]any{
		"verdict": string(r.Verdict),
		"rule":    string(r.Rule),
	}
	if r.Policy != nil {
		fields["policy_id"] = r.Policy.ID
	}
	return fields
}

func (s *Server) statusError(err error) error {
	var (
		ve  *service.ValidationError
		ae  *authz.AuthorizationError
		sue *service.StoreUnavailableError
	)
	switch {
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, ve.Error())
	case errors.As(err, &ae):
		return status.Error(codes.PermissionDenied, ae.Error())
	case errors.As(err, &sue):
		return status.Error(codes.Unavailable, "store unavailable")
	default:
		s.logger.Error("access check failed", "err", err)
		return status.Error(codes.Internal, "internal error")
	}
}

// ── Agent identity ──────────────────────────────────────────────────────────

type agentKey struct{}

// agentActor is the engine identity for calls from a verified agent.
// Agents act as the system, which may resolve any user's access.
func agentActor(ctx context.Context) types.Actor {
	a := types.SystemActor()
	if id, ok := ctx.Value(agentKey{}).(string); ok {
		a.UserAgent = "agent/" + strings.ToValidUTF8(id, "\uFFFD")
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		a.IPAddress = strings.ToValidUTF8(p.Addr.String(), "\uFFFD")
	}
	return a
}

func agentIDFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(AgentIDHeader)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func agentInterceptor(agents *service.AgentRegistry, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/"+healthpb.Health_ServiceDesc.ServiceName+"/") {
			return handler(ctx, req)
		}
		id := agentIDFrom(ctx)
		if id == "" {
			return nil, status.Error(codes.Unauthenticated, "missing "+AgentIDHeader)
		}
		known, err := agents.IsKnown(ctx, id)
		if err != nil {
			logger.Error("agent lookup failed", "agent_id", id, "err", err)
			return nil, status.Error(codes.Unavailable, "agent registry unavailable")
		}
		if err := agents.NoteSeen(ctx, id, known); err != nil {
			logger.Warn("agent last-seen not recorded", "agent_id", id, "err", err)
		}
		if !known {
			logger.Warn("unknown agent rejected", "agent_id", id, "method", info.FullMethod)
			return nil, status.Error(codes.PermissionDenied, fmt.Sprintf("unknown agent %q", id))
		}
		return handler(context.WithValue(ctx, agentKey{}, id), req)
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now().UTC()
		resp, err := handler(ctx, req)
		logger.Info("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"agent_id", agentIDFrom(ctx),
			"dur", time.Since(start),
		)
		return resp, err
	}
}
