// Package grpcclient gRPC 客户端工厂：keepalive、按状态码重试、trace id 透传
package grpcclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/wyfcoding/depthbook/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const metadataTraceID = "x-trace-id"

// ClientConfig gRPC 客户端配置
type ClientConfig struct {
	Target string
	// 连接超时
	ConnTimeout time.Duration
	// 单次请求超时，包含全部重试
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	// 为 0 时不启用 keepalive
	KeepaliveInterval time.Duration
}

// NewClient 创建连接。连接是惰性的，首次调用时才建立。
func NewClient(cfg ClientConfig, log *slog.Logger, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("module", "grpc_client", "target", cfg.Target)

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(unaryClientInterceptor(cfg, log)),
	}
	if cfg.ConnTimeout > 0 {
		opts = append(opts, grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   cfg.ConnTimeout,
				Multiplier: 1.6,
				Jitter:     0.2,
			},
			MinConnectTimeout: cfg.ConnTimeout,
		}))
	}
	if cfg.KeepaliveInterval > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		log.Error("failed to create grpc client", "error", err)
		return nil, err
	}
	return conn, nil
}

// unaryClientInterceptor 超时、重试，并把 ctx 中的 trace id 写入 metadata
func unaryClientInterceptor(cfg ClientConfig, log *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
			defer cancel()
		}
		if traceID := logger.TraceID(ctx); traceID != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, metadataTraceID, traceID)
		}

		start := time.Now()
		var err error
		for attempt := 0; ; attempt++ {
			err = invoker(ctx, method, req, reply, cc, opts...)
			if err == nil || !shouldRetry(status.Code(err)) || attempt >= cfg.MaxRetries {
				break
			}
			select {
			case <-time.After(cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err != nil {
			log.WarnContext(ctx, "grpc request failed", "method", method, "duration", time.Since(start), "error", err)
		}
		return err
	}
}

func shouldRetry(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
