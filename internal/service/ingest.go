// Package service 组装采集服务：发现、校验、聚合、写入、广播
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wisefido-scada/internal/adapter"
	"wisefido-scada/internal/aggregator"
	"wisefido-scada/internal/broadcaster"
	"wisefido-scada/internal/config"
	"wisefido-scada/internal/health"
	"wisefido-scada/internal/metrics"
	"wisefido-scada/internal/models"
	"wisefido-scada/internal/pipeline"
	"wisefido-scada/internal/repository"
	"wisefido-scada/internal/router"
	"wisefido-scada/internal/spillover"
	"wisefido-scada/internal/tenantdb"
	"wisefido-scada/internal/writer"
	"wisefido-scada/owl-common/database"
	rediscommon "wisefido-scada/owl-common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// IngestService 采集服务
type IngestService struct {
	config *config.Config
	logger *zap.Logger

	registryDB *sql.DB
	redis      *redis.Client

	metrics     *metrics.Metrics
	tracker     *health.Tracker
	pools       *tenantdb.PoolRegistry
	spill       *spillover.Store
	writer      *writer.Writer
	broadcaster *broadcaster.Broadcaster
	pipeline    *pipeline.Pipeline
	router      *router.Router
	server      *Server
}

// Options 测试或嵌入时替换外部依赖，零值使用真实实现
type Options struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Opener     tenantdb.Opener
	Factory    *adapter.Factory
}

// NewIngestService 创建采集服务
func NewIngestService(cfg *config.Config, rules *config.Rules, logger *zap.Logger) (*IngestService, error) {
	return NewIngestServiceWithOptions(cfg, rules, logger, Options{})
}

// NewIngestServiceWithOptions 创建采集服务，部分依赖可替换
func NewIngestServiceWithOptions(cfg *config.Config, rules *config.Rules, logger *zap.Logger, opts Options) (*IngestService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Factory == nil {
		opts.Factory = adapter.NewFactory(logger)
	}

	// 连接主注册库
	registryDB, err := database.NewPostgresDB(&cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}

	// 连接 Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rediscommon.Ping(pingCtx, redisClient); err != nil {
		database.Close(registryDB)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	svc, err := assemble(cfg, rules, logger, opts, registryDB, redisClient)
	if err != nil {
		rediscommon.Close(redisClient)
		database.Close(registryDB)
		return nil, err
	}
	return svc, nil
}

// assemble 在已建立的注册库与 Redis 连接上组装各组件
func assemble(cfg *config.Config, rules *config.Rules, logger *zap.Logger, opts Options,
	registryDB *sql.DB, redisClient *redis.Client) (*IngestService, error) {
	m := metrics.New(opts.Registerer)
	tracker := health.NewTracker(health.NewRedisKVStore(redisClient), cfg.Health.MirrorTTL, logger)
	pools := tenantdb.NewPoolRegistry(cfg.TenantPool, opts.Opener, logger)

	spill, err := spillover.Open(context.Background(), cfg.Spillover.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open spillover store: %w", err)
	}

	w := writer.New(writer.Config{
		MaxAttempts:    cfg.Writer.MaxAttempts,
		InitialBackoff: cfg.Writer.InitialBackoff,
		MaxBackoff:     cfg.Writer.MaxBackoff,
	}, pools, repository.NewReadingRepository(), spill, tracker, m, logger.Named("writer"))

	pub, err := broadcaster.NewPublisher(cfg.Broadcast.Transport, redisClient, cfg.Broadcast.StreamMaxLen, &cfg.NATS, logger)
	if err != nil {
		spill.Close()
		return nil, fmt.Errorf("failed to create broadcast publisher: %w", err)
	}
	b := broadcaster.New(broadcaster.Config{
		QueueSize: cfg.Broadcast.QueueSize,
		Workers:   cfg.Broadcast.Workers,
	}, pub, m, logger.Named("broadcaster"))

	p := pipeline.New(cfg.ValidatorConfig(rules), aggregator.Config{
		MaxBufferSize: cfg.Ingest.MaxBufferSize,
		FlushInterval: cfg.FlushInterval(),
		FlushTimeout:  cfg.Ingest.FlushTimeout,
	}, w, b, m, logger.Named("pipeline"))

	rt := router.New(router.Config{
		PollInterval:        cfg.Router.PollInterval,
		PushDrainInterval:   cfg.Router.PushDrainInterval,
		RediscoveryInterval: cfg.Router.RediscoveryInterval,
		ConnectMaxAttempts:  cfg.Router.ConnectMaxAttempts,
		ConnectBackoff:      cfg.Router.ConnectInitialBackoff,
		ConnectMaxBackoff:   cfg.Router.ConnectMaxBackoff,
		DegradedCooldown:    cfg.Router.DegradedCooldown,
		MaxPollFailures:     cfg.Router.MaxPollFailures,
	}, repository.NewRegistryRepository(registryDB, logger), pools, nil, opts.Factory, p, tracker, m, logger.Named("router"))

	h := health.NewHandler(tracker)
	mux := NewMux(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}), http.HandlerFunc(h.Status), h.TenantStatus, h.Healthz)

	return &IngestService{
		config:      cfg,
		logger:      logger,
		registryDB:  registryDB,
		redis:       redisClient,
		metrics:     m,
		tracker:     tracker,
		pools:       pools,
		spill:       spill,
		writer:      w,
		broadcaster: b,
		pipeline:    p,
		router:      rt,
		server:      NewServer(cfg.HTTP.Addr, mux, logger),
	}, nil
}

// Start 启动服务，阻塞直到 ctx 结束或运维 HTTP 服务失败
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting SCADA ingest service",
		zap.String("broadcast_transport", s.config.Broadcast.Transport),
		zap.Duration("flush_interval", s.config.FlushInterval()),
		zap.Int("max_buffer_size", s.config.Ingest.MaxBufferSize),
	)

	// 首次发现后租户连接池才存在，之后再重放上次遗留的溢出批次
	if err := s.router.Sync(ctx); err != nil {
		s.logger.Error("Initial discovery failed", zap.Error(err))
	}
	if n, err := s.writer.ReplaySpilled(ctx); err != nil {
		s.logger.Warn("Failed to replay spilled batches on startup", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("Replayed spilled batches on startup", zap.Int("batches", n))
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Start(); err != nil {
			errChan <- fmt.Errorf("operations server: %w", err)
		}
	}()
	go s.writer.RunReplay(ctx, s.config.Spillover.ReplayInterval)
	go func() {
		if err := s.router.Watch(ctx); err != nil {
			errChan <- fmt.Errorf("router: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 优雅停止：停止采集，最后一次刷新，断开设备，排空广播，关闭存储
// ctx 应为新的关闭超时上下文
func (s *IngestService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping SCADA ingest service")
	var errs []error

	s.router.StopIntake()

	if err := s.pipeline.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	if err := s.router.DisconnectAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect adapters: %w", err))
	}
	if err := s.broadcaster.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close broadcaster: %w", err))
	}
	if err := s.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop operations server: %w", err))
	}
	if err := s.spill.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close spillover store: %w", err))
	}
	s.pools.CloseAll()

	if err := rediscommon.Close(s.redis); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	if err := database.Close(s.registryDB); err != nil {
		errs = append(errs, fmt.Errorf("close registry database: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("SCADA ingest service stopped with errors", zap.Error(err))
	} else {
		s.logger.Info("SCADA ingest service stopped")
	}
	return err
}

// Ingest 直接注入一条读数，供嵌入方与测试使用
func (s *IngestService) Ingest(r models.ProtocolReading) error {
	return s.pipeline.Ingest(r)
}
