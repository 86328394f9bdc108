// depthbook-probe 通过 gRPC 健康检查判断 depthbook 是否在接收命令，用作容器探针。
// 服务 SERVING 时退出码为 0，否则为 1。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	grpc_server "github.com/wyfcoding/depthbook/internal/depthbook/interfaces/grpc"
	"github.com/wyfcoding/depthbook/pkg/grpcclient"
	"github.com/wyfcoding/depthbook/pkg/logger"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "depthbook gRPC address")
	service := flag.String("service", grpc_server.ServiceName, "health service name")
	timeout := flag.Duration("timeout", 3*time.Second, "probe timeout")
	retries := flag.Int("retries", 2, "retries on UNAVAILABLE")
	flag.Parse()

	os.Exit(probe(*addr, *service, *timeout, *retries))
}

func probe(addr, service string, timeout time.Duration, retries int) int {
	log := logger.NewWithWriter(logger.Config{Level: "warn", Format: "text"}, os.Stderr)

	conn, err := grpcclient.NewClient(grpcclient.ClientConfig{
		Target:         addr,
		ConnTimeout:    timeout,
		RequestTimeout: timeout,
		MaxRetries:     retries,
		RetryDelay:     200 * time.Millisecond,
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}

	fmt.Println(resp.GetStatus().String())
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
