package grpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/wyfcoding/depthbook/internal/depthbook/application"
	"github.com/wyfcoding/depthbook/pkg/metrics"
	"github.com/wyfcoding/depthbook/pkg/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName 健康检查中使用的服务名
const ServiceName = "depthbook.DepthEngine"

// Server gRPC 健康检查服务。引擎接收命令时 SERVING，停止后 NOT_SERVING。
type Server struct {
	srv    *grpc.Server
	health *health.Server
	engine *application.OrderbookEngine
	logger *slog.Logger
}

// NewServer m 为空时不挂指标拦截器
func NewServer(engine *application.OrderbookEngine, m *metrics.Metrics, maxStreams uint32, logger *slog.Logger) *Server {
	logger = logger.With("module", "grpc_server")

	interceptors := []grpc.UnaryServerInterceptor{
		middleware.GRPCRecoveryInterceptor(logger),
		middleware.GRPCLoggingInterceptor(logger),
	}
	if m != nil {
		interceptors = append(interceptors, middleware.GRPCMetricsInterceptor(m))
	}
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}
	if maxStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(maxStreams))
	}

	s := &Server{
		srv:    grpc.NewServer(opts...),
		health: health.NewServer(),
		engine: engine,
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	reflection.Register(s.srv)
	s.SyncStatus()
	return s
}

// SyncStatus 按引擎当前状态刷新健康状态
func (s *Server) SyncStatus() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.engine.Accepting() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// WatchEngine 周期同步健康状态，引擎退出或 ctx 结束后返回
func (s *Server) WatchEngine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.engine.Done():
			s.SyncStatus()
			return
		case <-ticker.C:
			s.SyncStatus()
		}
	}
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server listening", "addr", lis.Addr().String())
	return s.srv.Serve(lis)
}

// GracefulStop 先把所有服务标记为 NOT_SERVING 再停止
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
