package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eloquent/ragchat/api/handlers"
	"github.com/eloquent/ragchat/chat"
	"github.com/eloquent/ragchat/config"
	"github.com/eloquent/ragchat/internal/auth"
	"github.com/eloquent/ragchat/internal/cache"
	"github.com/eloquent/ragchat/internal/database"
	"github.com/eloquent/ragchat/internal/metrics"
	"github.com/eloquent/ragchat/internal/server"
	"github.com/eloquent/ragchat/llm"
	"github.com/eloquent/ragchat/llm/embedding"
	"github.com/eloquent/ragchat/llm/providers/openaicompat"
	"github.com/eloquent/ragchat/llm/tokenizer"
	"github.com/eloquent/ragchat/rag"
	"github.com/eloquent/ragchat/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装 ragchat 的全部组件并管理其生命周期。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db        *database.Manager
	cache     *cache.Manager
	store     *store.Store
	collector *metrics.Collector

	httpManager    *server.Manager
	metricsManager *server.Manager

	rateLimiterCancel context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化依赖并启动 HTTP 与指标服务器（非阻塞）。
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("ragchat")

	// token 计数优先走 tiktoken, 未注册的模型由编排器回退到估计器。
	tokenizer.RegisterOpenAITokenizers()

	db, err := database.Open(database.Config{
		Driver:              s.cfg.Database.Driver,
		DSN:                 s.cfg.Database.DSN(),
		MaxOpenConns:        s.cfg.Database.MaxOpenConns,
		MaxIdleConns:        s.cfg.Database.MaxIdleConns,
		ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
		HealthCheckInterval: time.Minute,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	st, err := store.New(db.DB(), s.logger)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}
	s.store = st

	// 嵌入缓存是可选依赖: Redis 不可达时降级为直连嵌入服务。
	if s.cfg.Redis.Enabled {
		cm, err := cache.NewManager(cache.Config{
			Enabled:    true,
			Addr:       s.cfg.Redis.Addr,
			Password:   s.cfg.Redis.Password,
			DB:         s.cfg.Redis.DB,
			DefaultTTL: s.cfg.Redis.TTL,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
		} else {
			s.cache = cm
		}
	}

	orch := s.buildOrchestrator()
	authn := auth.New(auth.Config{
		JWTSecret:     s.cfg.Auth.JWTSecret,
		TokenTTL:      s.cfg.Auth.TokenTTL,
		SecureCookies: s.cfg.Auth.SecureCookies,
	}, s.logger)

	if err := s.startHTTPServer(orch, authn); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
	)
	return nil
}

// buildOrchestrator 组装检索与聊天编排组件。
func (s *Server) buildOrchestrator() *chat.Orchestrator {
	embedder := s.buildEmbedder()
	index := s.buildIndex()
	retriever := rag.NewRetriever(index, embedder, s.logger,
		rag.WithRetrievalMetrics(s.collector))

	provider := openaicompat.New(openaicompat.Config{
		ProviderName: "openai",
		APIKey:       s.cfg.LLM.APIKey,
		BaseURL:      s.cfg.LLM.BaseURL,
		DefaultModel: s.cfg.LLM.Model,
		Timeout:      s.cfg.LLM.Timeout,
	}, s.logger)

	return chat.NewOrchestrator(s.store, retriever, provider, chat.Config{
		Model:                 s.cfg.LLM.Model,
		Temperature:           float32(s.cfg.Chat.Temperature),
		PersistPartialOnError: s.cfg.Chat.PersistPartialOnError,
	}, s.logger)
}

// buildEmbedder 构造嵌入提供者, Redis 可用时包一层查询缓存。
func (s *Server) buildEmbedder() rag.Embedder {
	apiKey := s.cfg.Embedding.APIKey
	if apiKey == "" {
		apiKey = s.cfg.LLM.APIKey
	}
	base := embedding.NewOpenAIProvider(embedding.OpenAIConfig{
		APIKey:     apiKey,
		BaseURL:    s.cfg.Embedding.BaseURL,
		Model:      s.cfg.Embedding.Model,
		Dimensions: s.cfg.Embedding.Dimensions,
	})
	if s.cache == nil {
		return base
	}
	return embedding.NewCachedProvider(base, s.cache, s.cfg.Redis.TTL, s.logger).
		WithMetrics(s.collector)
}

// buildIndex 选择向量索引: 配置了 Pinecone 用远端索引,
// 否则回退空内存索引（检索永远为空, 聊天仍可用）。
func (s *Server) buildIndex() rag.VectorIndex {
	if s.cfg.Pinecone.APIKey != "" {
		return rag.NewPineconeIndex(rag.PineconeConfig{
			APIKey:    s.cfg.Pinecone.APIKey,
			Index:     s.cfg.Pinecone.Index,
			BaseURL:   s.cfg.Pinecone.BaseURL,
			Namespace: s.cfg.Pinecone.Namespace,
		}, s.logger)
	}
	s.logger.Warn("Pinecone not configured, falling back to empty in-memory index")
	return rag.NewMemoryIndex()
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer(orch *chat.Orchestrator, authn *auth.Authenticator) error {
	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.NewPingHealthCheck("database", s.db.Ping))
	if s.cache != nil {
		healthHandler.RegisterCheck(handlers.NewPingHealthCheck("redis", s.cache.Ping))
	}

	authHandler := handlers.NewAuthHandler(s.store, authn, s.logger)
	sessionHandler := handlers.NewSessionHandler(s.store, authn, s.logger)
	chatHandler := handlers.NewChatHandler(orch, authn, s.collector, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", handleVersion)

	mux.HandleFunc("POST /auth/register", authHandler.HandleRegister)
	mux.HandleFunc("POST /auth/login", authHandler.HandleLogin)
	mux.HandleFunc("POST /auth/logout", authHandler.HandleLogout)
	mux.HandleFunc("GET /auth/whoami", authHandler.HandleWhoami)

	mux.HandleFunc("POST /sessions", sessionHandler.HandleCreate)
	mux.HandleFunc("GET /sessions", sessionHandler.HandleList)
	mux.HandleFunc("GET /sessions/{id}/messages", sessionHandler.HandleMessages)
	mux.HandleFunc("DELETE /sessions/{id}", sessionHandler.HandleDelete)
	mux.HandleFunc("PATCH /sessions/{id}", sessionHandler.HandleUpdate)

	mux.HandleFunc("POST /chat", chatHandler.HandleStream)

	// 中间件链: 越靠前越外层。
	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.CORS.AllowedOrigins),
	}
	if s.cfg.RateLimit.Enabled {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.httpManager.Start()
}

func handleVersion(w http.ResponseWriter, _ *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.collector.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            s.cfg.Server.MetricsAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return s.metricsManager.Start()
}

// =============================================================================
// 🔄 运行与关闭
// =============================================================================

// Run 阻塞直到 ctx 取消或任一服务器异常退出。
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-s.httpManager.Errors():
			return err
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		select {
		case err := <-s.metricsManager.Errors():
			return err
		case <-ctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// Shutdown 优雅关闭所有组件。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Cache close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// 编译期检查: openaicompat.Provider 满足 llm.Provider。
var _ llm.Provider = (*openaicompat.Provider)(nil)
