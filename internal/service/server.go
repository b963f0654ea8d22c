package service

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server 运维 HTTP 服务（/metrics、/status、/healthz）
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{httpServer: s, logger: logger}
}

// Start 阻塞直到服务关闭，正常关闭返回 nil
func (s *Server) Start() error {
	s.logger.Info("Starting operations HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping operations HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// NewMux 注册运维路由
func NewMux(metrics http.Handler, status http.Handler, tenantStatus http.HandlerFunc, healthz http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.Handle("/status", status)
	mux.HandleFunc("/status/", tenantStatus)
	mux.HandleFunc("/healthz", healthz)
	return mux
}
