package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"DeFi-Sentry/internal/breaker"
	"DeFi-Sentry/internal/engine"
)

// StatusSource 提供控制循环的最新状态。
type StatusSource interface {
	LastReport() (engine.TickReport, bool)
	Providers() []string
}

// FailureLister 读取失败日志。
type FailureLister interface {
	ListLatest(ctx context.Context, limit int) ([]breaker.FailureRecord, error)
}

// RequestObserver 记录 HTTP 请求指标。
type RequestObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Info 是启动时确定的静态信息。
type Info struct {
	Chain   string `json:"chain"`
	ChainID string `json:"chain_id"`
	Address string `json:"address"`
}

// Server 负责暴露只读的状态接口。
type Server struct {
	addr     string
	info     Info
	status   StatusSource
	failures FailureLister
	metrics  http.Handler
	observer RequestObserver
	tokens   [][]byte
}

// Option 定义可选配置。
type Option func(*Server)

// WithFailures 开启 /api/v1/failures。
func WithFailures(f FailureLister) Option {
	return func(s *Server) { s.failures = f }
}

// WithMetrics 在 /metrics 挂载指标处理器，并记录每个请求。
func WithMetrics(handler http.Handler, observer RequestObserver) Option {
	return func(s *Server) {
		s.metrics = handler
		s.observer = observer
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, info Info, status StatusSource, opts ...Option) *Server {
	s := &Server{addr: addr, info: info, status: status}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet).Name("healthz")
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.requireToken)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet).Name("status")
	v1.HandleFunc("/failures", s.handleFailures).Methods(http.MethodGet).Name("failures")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet).Name("metrics")
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusResponse struct {
	Info
	Providers []string           `json:"providers"`
	LastTick  *engine.TickReport `json:"last_tick"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	report, ok := s.status.LastReport()
	switch {
	case !ok:
		writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
	case report.Halted || !report.Breaker.ContinueRunning:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "reason": report.Breaker.HaltReason})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Info: s.info, Providers: []string{}}
	if s.status != nil {
		resp.Providers = s.status.Providers()
		if report, ok := s.status.LastReport(); ok {
			resp.LastTick = &report
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.failures == nil {
		http.Error(w, "未配置失败日志", http.StatusNotFound)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit 必须是正整数", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	records, err := s.failures.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []breaker.FailureRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.observer == nil {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		name := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			name = route.GetName()
		}
		s.observer.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
