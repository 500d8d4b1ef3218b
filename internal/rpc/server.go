// Package rpc serves the extraction API over gRPC. Messages are plain Go
// structs carried by a JSON codec, so no generated stubs are needed.
package rpc

import (
	"context"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	appLog "nerd/internal/log"
	"nerd/internal/metrics"
	"nerd/internal/model"
	"nerd/internal/ratelimit"
	"nerd/internal/service"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "ner.NERService"
	// StoreServiceName reports the backing store through the health service.
	StoreServiceName = "ner.Store"
)

// Limiter admits or rejects one call from a caller.
type Limiter interface {
	Admit(ctx context.Context, caller string) ratelimit.Decision
}

// NERServer is the service implementation registered with grpc.
type NERServer interface {
	ExtractEntities(ctx context.Context, req *ExtractRequest) (*ExtractResponse, error)
	BatchExtractEntities(ctx context.Context, req *BatchRequest) (*BatchResponse, error)
}

// Options wires optional collaborators. Nil members are skipped.
type Options struct {
	Limiter Limiter
	Metrics *metrics.Metrics
}

// Server adapts service.Service to NERServer and owns the grpc.Server.
type Server struct {
	svc    *service.Service
	opts   Options
	health *health.Server
	grpc   *grpc.Server
}

// NewServer builds the grpc.Server with the service, the standard health
// service and the rate-limit and metrics interceptors registered.
func NewServer(svc *service.Service, opts Options) *Server {
	s := &Server{svc: svc, opts: opts, health: health.NewServer()}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.metricsInterceptor, s.rateLimitInterceptor))
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPC exposes the underlying server.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// SetStoreUp reports the backing store state through the health service.
// The extraction service keeps serving either way.
func (s *Server) SetStoreUp(up bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !up {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(StoreServiceName, st)
}

// Serve listens on addr until ctx is canceled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "grpc listen %s", addr)
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting gRPC server", "listen", addr)
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "grpc server")
	case <-ctx.Done():
	}

	s.health.Shutdown()
	s.grpc.GracefulStop()
	appLog.Info("gRPC server stopped")
	return nil
}

// ExtractEntities serves one extraction.
func (s *Server) ExtractEntities(ctx context.Context, req *ExtractRequest) (*ExtractResponse, error) {
	res, err := s.svc.Extract(ctx, req.Text)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := toResponse(res)
	return &resp, nil
}

// BatchExtractEntities serves a batch, with results in request order.
func (s *Server) BatchExtractEntities(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	texts := make([]string, len(req.Requests))
	for i, r := range req.Requests {
		texts[i] = r.Text
	}

	res, err := s.svc.BatchExtract(ctx, texts, int(req.BatchSize))
	if err != nil {
		return nil, toStatus(err)
	}
	s.opts.Metrics.ObserveBatch(len(texts))

	out := &BatchResponse{
		Responses:           make([]ExtractResponse, 0, len(res.Results)),
		TotalProcessingTime: res.TotalProcessingTime.Seconds(),
	}
	for _, one := range res.Results {
		out.Responses = append(out.Responses, toResponse(one))
	}
	return out, nil
}

func toResponse(res service.Result) ExtractResponse {
	return ExtractResponse{
		Entities:       model.ToDTOs(res.Entities),
		ProcessingTime: res.ProcessingTime.Seconds(),
		Cached:         res.Cached,
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		appLog.Error("rpc failed", err)
		return status.Error(codes.Internal, "internal error")
	}
}

func (s *Server) rateLimitInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.opts.Limiter == nil || !isNERMethod(info.FullMethod) {
		return handler(ctx, req)
	}

	caller := callerIdentity(ctx)
	d := s.opts.Limiter.Admit(ctx, caller)
	if !d.Allowed {
		retry := int(math.Ceil(d.RetryAfter.Seconds()))
		_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.Itoa(retry)))
		appLog.Info("rate limited", "caller", caller, "method", info.FullMethod, "retry_after", retry)
		return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %ds", retry)
	}
	return handler(ctx, req)
}

func (s *Server) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !isNERMethod(info.FullMethod) {
		return handler(ctx, req)
	}
	start := time.Now()
	resp, err := handler(ctx, req)
	s.opts.Metrics.ObserveRequest(methodLabel(info.FullMethod), statusLabel(err), time.Since(start))
	return resp, err
}

func isNERMethod(full string) bool {
	return strings.HasPrefix(full, "/"+ServiceName+"/")
}

func methodLabel(full string) string {
	switch full {
	case "/" + ServiceName + "/ExtractEntities":
		return "extract"
	case "/" + ServiceName + "/BatchExtractEntities":
		return "batch"
	default:
		return "unknown"
	}
}

func statusLabel(err error) string {
	switch status.Code(err) {
	case codes.OK:
		return "ok"
	case codes.InvalidArgument:
		return "invalid_argument"
	case codes.ResourceExhausted:
		return "rate_limited"
	case codes.Canceled, codes.DeadlineExceeded:
		return "canceled"
	default:
		return "error"
	}
}

// callerIdentity names the caller for rate limiting by peer IP. Metadata is
// client-supplied and never used here.
func callerIdentity(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			return "ip:" + host
		}
		return "ip:" + addr
	}
	return "ip:unknown"
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NERServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExtractEntities", Handler: extractHandler},
		{MethodName: "BatchExtractEntities", Handler: batchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ner.proto",
}

func extractHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExtractRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NERServer).ExtractEntities(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ExtractEntities"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NERServer).ExtractEntities(ctx, req.(*ExtractRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func batchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BatchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NERServer).BatchExtractEntities(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/BatchExtractEntities"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NERServer).BatchExtractEntities(ctx, req.(*BatchRequest))
	}
	return interceptor(ctx, in, info, handler)
}
