package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/api"
	"github.com/BaSui01/flowguard/api/handlers"
	"github.com/BaSui01/flowguard/config"
	"github.com/BaSui01/flowguard/internal/metrics"
	"github.com/BaSui01/flowguard/internal/server"
	"github.com/BaSui01/flowguard/internal/telemetry"
	"github.com/BaSui01/flowguard/workflow"
	"github.com/BaSui01/flowguard/workflow/persistence"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 flowguard 的主服务：REST API、事件推送、健康检查与指标
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store     workflow.Store
	orch      *orchestrator
	otel      *telemetry.Providers
	registry  *prometheus.Registry
	collector *metrics.Collector

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// pinger 支持连通性检查的存储后端
type pinger interface {
	Ping(ctx context.Context) error
}

// NewServer 打开存储、初始化遥测并装配引擎，不监听端口
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollectorWithRegisterer("flowguard", s.registry, logger)

	providers, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		// 遥测不可用不阻止启动
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.otel = providers

	store, err := persistence.New(ctx, cfg, logger)
	if err != nil {
		_ = s.otel.Shutdown(ctx)
		return nil, fmt.Errorf("open %s store: %w", storeType(cfg), err)
	}
	s.store = store

	var recorder workflow.MetricsRecorder = telemetry.NewFanout(s.collector)
	if s.otel.Enabled() {
		otelRecorder, err := telemetry.NewRecorder(nil)
		if err != nil {
			logger.Warn("failed to create otel metrics recorder", zap.Error(err))
		} else {
			recorder = telemetry.NewFanout(s.collector, otelRecorder)
		}
	}

	s.orch = newOrchestrator(cfg.Orchestrator, store, recorder, s.collector, logger)
	logger.Info("orchestrator ready",
		zap.String("store", storeType(cfg)),
		zap.Strings("services", describeServices(cfg.Orchestrator.Services)),
		zap.Int("max_parallel_steps", cfg.Orchestrator.MaxParallelSteps),
	)
	return s, nil
}

func storeType(cfg *config.Config) string {
	if cfg.Store.Type == "" {
		return config.StoreMemory
	}
	return cfg.Store.Type
}

// =============================================================================
// 🌐 路由与中间件
// =============================================================================

// Handler 构建带完整中间件链的 HTTP 处理器。ctx 结束时停止限流器的清理 goroutine。
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(s.logger)
	if p, ok := s.store.(pinger); ok {
		health.RegisterCheck(handlers.NewPingCheck(storeType(s.cfg), p.Ping))
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	mux.HandleFunc("GET /api/openapi.yaml", api.Handler())

	handlers.NewWorkflowHandler(s.orch.engine, s.orch.breakers, s.orch.degradation, s.logger).Register(mux)
	handlers.NewEventsHandler(s.orch.engine, s.orch.events, s.cfg.Server.CORSAllowedOrigins, s.logger).Register(mux)

	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", s.metricsHandler())
	}

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		MetricsMiddleware(s.collector),
	)
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Start 启动 HTTP 服务器，metrics_port 非 0 时另起 metrics 服务器
func (s *Server) Start() error {
	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	s.httpManager = server.NewManager(
		s.Handler(rateLimiterCtx),
		server.FromServerConfig("http", s.cfg.Server.HTTPPort, s.cfg.Server),
		s.logger,
	)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	if s.cfg.Server.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", s.metricsHandler())
		s.metricsManager = server.NewManager(mux,
			server.FromServerConfig("metrics", s.cfg.Server.MetricsPort, s.cfg.Server),
			s.logger,
		)
		if err := s.metricsManager.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	s.logger.Info("flowguard started",
		zap.String("http_addr", s.httpManager.ListenAddr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("telemetry", s.otel.Enabled()),
	)
	return nil
}

// Wait 阻塞直到收到退出信号、ctx 结束或服务器异常退出
func (s *Server) Wait(ctx context.Context) error {
	if s.httpManager == nil {
		return errors.New("server not started")
	}
	return s.httpManager.Wait(ctx)
}

// Shutdown 依次关闭：HTTP 入口、等待运行中的执行、存储、遥测
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("starting graceful shutdown")
	var errs []error

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	// 异步执行在 ctx 截止前没跑完就放弃等待
	done := make(chan struct{})
	go func() {
		s.orch.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("in-flight executions did not finish before shutdown deadline")
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.otel.Shutdown(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	s.logger.Info("graceful shutdown completed")
	return nil
}
