package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/wyfcoding/depthbook/internal/depthbook/application"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
	"github.com/wyfcoding/depthbook/internal/depthbook/infrastructure/events"
	"github.com/wyfcoding/depthbook/internal/depthbook/infrastructure/persistence"
	depth_mysql "github.com/wyfcoding/depthbook/internal/depthbook/infrastructure/persistence/mysql"
	depth_redis "github.com/wyfcoding/depthbook/internal/depthbook/infrastructure/persistence/redis"
	"github.com/wyfcoding/depthbook/internal/depthbook/interfaces/consumer"
	grpc_server "github.com/wyfcoding/depthbook/internal/depthbook/interfaces/grpc"
	http_server "github.com/wyfcoding/depthbook/internal/depthbook/interfaces/http"
	"github.com/wyfcoding/depthbook/pkg/cache"
	"github.com/wyfcoding/depthbook/pkg/config"
	"github.com/wyfcoding/depthbook/pkg/db"
	"github.com/wyfcoding/depthbook/pkg/logger"
	"github.com/wyfcoding/depthbook/pkg/metrics"
	"github.com/wyfcoding/depthbook/pkg/mq"
	"github.com/wyfcoding/depthbook/pkg/ratelimit"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/depthbook/config.toml", "path to config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "depthbook: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Config
	cfg, err := config.LoadWithDefaults(configPath)
	if err != nil {
		return err
	}

	// 2. Logger
	log, err := logger.Init(cfg.Logger)
	if err != nil {
		return err
	}
	log = log.With("service", cfg.ServiceName, "env", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Metrics
	m := metrics.New(cfg.ServiceName)
	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 && cfg.Metrics.Port != cfg.HTTP.Port {
		m.StartHTTPServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path, log)
	}

	// 4. Infrastructure
	var (
		producer *mq.KafkaProducer
		kafkaCfg = mq.KafkaConfig{
			Brokers:        cfg.Kafka.Brokers,
			GroupID:        cfg.Kafka.GroupID,
			SessionTimeout: cfg.Kafka.SessionTimeout,
		}
		sinks  = []domain.EventSink{events.NewMetricsSink(m), events.NewLogSink(log)}
		kSink  *events.KafkaSink
		stores []application.SnapshotStore
	)
	if cfg.Kafka.Enabled {
		producer = mq.NewProducer(kafkaCfg, log)
		defer producer.Close()
		kSink = events.NewKafkaSink(producer, events.KafkaSinkConfig{
			Topic:      cfg.Kafka.EventTopic,
			BufferSize: cfg.Kafka.EventBuffer,
			OnDrop:     m.KafkaEventsDropped.Inc,
		}, log)
		sinks = append(sinks, kSink)
	}

	if cfg.Redis.Enabled {
		rc, err := cache.New(cache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ConnTimeout:  cfg.Redis.ConnTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, log)
		if err != nil {
			return err
		}
		defer rc.Close()
		stores = append(stores, persistence.Instrument(depth_redis.NewSnapshotCache(rc, cfg.Redis.KeyPrefix, cfg.Redis.SnapshotTTL), m))
	}

	if cfg.Database.Enabled {
		database, err := db.Init(db.Config{
			Driver:             cfg.Database.Driver,
			DSN:                cfg.Database.DSN,
			MaxOpenConns:       cfg.Database.MaxOpenConns,
			MaxIdleConns:       cfg.Database.MaxIdleConns,
			ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
			LogEnabled:         cfg.Database.LogEnabled,
			SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
		}, log)
		if err != nil {
			return err
		}
		defer database.Close()
		archive := depth_mysql.NewSnapshotArchive(database)
		if cfg.Database.AutoMigrate {
			if err := archive.AutoMigrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate depth_snapshots: %w", err)
			}
		}
		stores = append(stores, persistence.Instrument(archive, m))
	}

	// 5. Engine
	dispatch, err := application.ParseDispatchMode(cfg.Depthbook.Dispatch)
	if err != nil {
		return err
	}
	markets := make([]domain.MarketID, 0, len(cfg.Depthbook.Markets))
	for _, id := range cfg.Depthbook.Markets {
		markets = append(markets, domain.MarketID(id))
	}
	engine, err := application.NewOrderbookEngine(markets,
		application.WithQueueCapacity(cfg.Depthbook.QueueCapacity),
		application.WithDispatchMode(dispatch),
		application.WithDrainOnShutdown(cfg.Depthbook.DrainOnShutdown),
		application.WithLogger(log),
		application.WithEventSink(events.NewFanoutSink(sinks...)),
	)
	if err != nil {
		return err
	}
	if err := m.RegisterGaugeFunc(cfg.ServiceName, "queue_length", "Commands waiting in the ingestion queue.", func() float64 {
		return float64(engine.QueueLen())
	}); err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return err
	}

	var bg conc.WaitGroup
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	publisher := application.NewSnapshotPublisher(engine, cfg.Depthbook.SnapshotDepth, cfg.Depthbook.PublishInterval, log, stores...)
	bg.Go(func() { _ = publisher.Run(bgCtx) })

	// 6. Interfaces
	var cmdConsumer *mq.KafkaConsumer
	if cfg.Kafka.Enabled {
		cmdConsumer = mq.NewConsumer(kafkaCfg, cfg.Kafka.CommandTopic, log)
		dlq := mq.NewDeadLetterQueue(producer, cfg.Kafka.DLQTopic)
		c := consumer.NewCommandConsumer(cmdConsumer, engine, dlq, m, log)
		bg.Go(func() {
			if err := c.Run(bgCtx); err != nil {
				log.Error("command consumer exited", "error", err)
			}
		})
	}

	var grpcSrv *grpc_server.Server
	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr(), err)
		}
		grpcSrv = grpc_server.NewServer(engine, m, cfg.GRPC.MaxConcurrentStreams, log)
		bg.Go(func() { grpcSrv.WatchEngine(bgCtx, time.Second) })
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error("grpc server failed", "error", err)
			}
		}()
	}

	router := http_server.NewRouter(http_server.RouterDeps{
		Handler:   http_server.NewDepthHandler(engine, cfg.HTTP.SubmitTimeout, log),
		Engine:    engine,
		Metrics:   m,
		Limiter:   ratelimit.NewLocalRateLimiter(cfg.RateLimit.IdleTTL),
		RateLimit: cfg.RateLimit,
		Logger:    log,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// 7. Graceful shutdown
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-httpErr:
		log.Error("http server failed", "error", err)
	}

	return shutdown(cfg, log, shutdownDeps{
		httpSrv:   httpSrv,
		grpcSrv:   grpcSrv,
		engine:    engine,
		publisher: publisher,
		consumer:  cmdConsumer,
		kafkaSink: kSink,
		cancelBg:  cancelBg,
		bg:        &bg,
	})
}

type shutdownDeps struct {
	httpSrv   *http.Server
	grpcSrv   *grpc_server.Server
	engine    *application.OrderbookEngine
	publisher *application.SnapshotPublisher
	consumer  *mq.KafkaConsumer
	kafkaSink *events.KafkaSink
	cancelBg  context.CancelFunc
	bg        *conc.WaitGroup
}

// shutdown 先停入口，再排空引擎，最后刷出快照与事件
func shutdown(cfg *config.Config, log *slog.Logger, d shutdownDeps) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Depthbook.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := d.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// 停止拉取命令，保留已入队部分交给引擎排空
	d.cancelBg()
	if d.consumer != nil {
		if err := d.consumer.Close(); err != nil {
			log.Warn("failed to close command consumer", "error", err)
		}
	}

	if err := d.engine.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	d.bg.Wait()

	if n, err := d.publisher.PublishOnce(ctx); err != nil {
		log.Warn("final snapshot publish failed", "error", err)
	} else {
		log.Info("final snapshots published", "markets", n)
	}

	if d.kafkaSink != nil {
		if err := d.kafkaSink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event sink flush: %w", err))
		}
		log.Info("event sink closed", "sent", d.kafkaSink.Sent(), "dropped", d.kafkaSink.Dropped())
	}
	if d.grpcSrv != nil {
		d.grpcSrv.GracefulStop()
	}

	log.Info("depthbook exited", "stats", d.engine.Stats())
	return errors.Join(errs...)
}
