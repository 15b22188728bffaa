package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"DeFi-Sentry/pkg/logger"
)

var (
	// ErrMissingToken 表示请求未携带 Authorization 头。
	ErrMissingToken = errors.New("缺少访问令牌")
	// ErrInvalidToken 表示令牌与配置不符。
	ErrInvalidToken = errors.New("访问令牌无效")
)

// WithBearerTokens 要求 /api/v1 下的请求携带其中任意一个令牌。空列表表示不做认证。
func WithBearerTokens(tokens ...string) Option {
	return func(s *Server) {
		for _, t := range tokens {
			if t = strings.TrimSpace(t); t != "" {
				s.tokens = append(s.tokens, []byte(t))
			}
		}
	}
}

func (s *Server) authenticate(header string) error {
	if header == "" {
		return ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ErrInvalidToken
	}
	presented := []byte(strings.TrimSpace(token))
	for _, expected := range s.tokens {
		if subtle.ConstantTimeCompare(presented, expected) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}

// requireToken 校验令牌并把每个请求写入审计日志。
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if err := s.authenticate(r.Header.Get("Authorization")); err != nil {
			status := http.StatusUnauthorized
			http.Error(w, http.StatusText(status), status)
			logger.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", status,
				"error", err.Error(),
				"remote", r.RemoteAddr,
			)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Audit().Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
