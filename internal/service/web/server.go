package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"linkguard/internal/metrics"
	"linkguard/internal/shared/config"
	"linkguard/internal/shared/logger"
	"linkguard/internal/shared/types"
)

// --- DIAGNOSTIC HELPER: A listener that logs accepted connections ---
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.WithComponent("Web").Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("Connection accepted.")
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "Unauthorized."})
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// NewRouter 注册全部路由。/healthz、/metrics 和 websocket 不需要认证，
// /url-preview 下的其余接口在配置了账号时需要 basic auth。
func NewRouter(cfg types.ServerConf, h *Handler, hub *Hub, m *metrics.Metrics) http.Handler {
	root := mux.NewRouter()
	root.Use(m.Middleware)

	auth := func(next http.Handler) http.Handler {
		return basicAuthMiddleware(next, cfg.WebUser, cfg.WebPassword)
	}

	root.HandleFunc("/healthz", h.HandleHealthz).Methods(http.MethodGet)
	root.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	root.HandleFunc("/url-preview/ws", hub.ServeWs).Methods(http.MethodGet)
	root.Handle("/url-preview", auth(http.HandlerFunc(h.HandlePreview))).Methods(http.MethodGet)

	api := root.PathPrefix("/url-preview").Subrouter()
	api.Use(auth)

	api.HandleFunc("/check", h.HandleCheck).Methods(http.MethodGet)

	api.HandleFunc("/blacklist", h.HandleListBlacklist).Methods(http.MethodGet)
	api.HandleFunc("/blacklist", h.HandleAddBlacklist).Methods(http.MethodPost)
	api.HandleFunc("/blacklist/{id}", h.HandleUpdateBlacklist).Methods(http.MethodPut)
	api.HandleFunc("/blacklist/{id}", h.HandleDeleteBlacklist).Methods(http.MethodDelete)

	// 固定路径要先于 /proxy/{id} 注册
	api.HandleFunc("/proxy/bulk", h.HandleBulkImport).Methods(http.MethodPost)
	api.HandleFunc("/proxy/import-remote", h.HandleImportRemote).Methods(http.MethodPost)
	api.HandleFunc("/proxy/test", h.HandleTest).Methods(http.MethodPost)
	api.HandleFunc("/proxy/test/{batchId}", h.HandleGetBatch).Methods(http.MethodGet)
	api.HandleFunc("/proxy/test/{batchId}", h.HandleCancelBatch).Methods(http.MethodDelete)

	api.HandleFunc("/proxy", h.HandleListProxies).Methods(http.MethodGet)
	api.HandleFunc("/proxy", h.HandleAddProxy).Methods(http.MethodPost)
	api.HandleFunc("/proxy", h.HandleRemoveInactive).Methods(http.MethodDelete)
	api.HandleFunc("/proxy/{id}/health", h.HandleProxyHealth).Methods(http.MethodGet)
	api.HandleFunc("/proxy/{id}", h.HandleUpdateProxy).Methods(http.MethodPut)
	api.HandleFunc("/proxy/{id}", h.HandleDeleteProxy).Methods(http.MethodDelete)

	c := cors.New(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.AllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Actor-ID"},
		ExposedHeaders:   []string{"X-Test-Batch-ID"},
		AllowCredentials: true,
	})
	return c.Handler(root)
}

func splitOrigins(v string) []string {
	if out := config.SplitList(v); len(out) > 0 {
		return out
	}
	return []string{"*"}
}

// Server 持有 HTTP 服务器和事件 Hub 的生命周期。
type Server struct {
	cfg        types.ServerConf
	handler    http.Handler
	hub        *Hub
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(cfg types.ServerConf, h *Handler, hub *Hub, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		handler: NewRouter(cfg, h, hub, m),
		hub:     hub,
	}
}

// Handler returns the full router including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start 监听端口并在后台提供服务。web_port 为 0 时不启动。
func (s *Server) Start(wg *sync.WaitGroup) error {
	l := logger.WithComponent("Web")
	if s.cfg.WebPort <= 0 {
		l.Info().Msg("Web API is disabled (web_port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.hub.Run()
	}()
	go func() {
		defer wg.Done()
		if err := s.httpServer.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error.")
		}
		l.Info().Msg("Web server stopped.")
	}()

	l.Info().Str("addr", addr).Msg("Web API is listening.")
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
