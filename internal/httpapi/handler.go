// Package httpapi HTTP 介面：健康檢查、房間查詢、TURN 與題庫地圖代理、WebSocket 入口
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/cache"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/directory"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/ratelimit"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/store"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/upstream"
	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
	"github.com/Kinggodhoon/i-hear-you-backend/pkg/logger"
)

// RequestIDHeader 請求 ID 標頭
const RequestIDHeader = "X-Request-ID"

// WebSocket WebSocket 入口與連線統計
type WebSocket interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Stats() directory.Stats
}

// TurnProvider TURN 憑證來源
type TurnProvider interface {
	GenerateCredential(ctx context.Context) (upstream.Credential, error)
	IceServers(ctx context.Context, apiKey string) ([]upstream.IceServer, error)
}

// QuizmapProvider 題庫地圖清單來源
type QuizmapProvider interface {
	List(ctx context.Context) ([]upstream.Quizmap, error)
}

// ListingSink 上架申請的去處
type ListingSink interface {
	RequestListing(ctx context.Context, name string, file []byte) error
}

// Deps HTTP 層依賴
type Deps struct {
	Store      store.Store
	WebSocket  WebSocket
	Cache      *cache.Aside
	Turn       TurnProvider
	Quizmaps   QuizmapProvider
	Moderation ListingSink
	// RateLimit 為 nil 時 /v1 不限流
	RateLimit ratelimit.LimiterFunc
	// RateLimitKey 限流 key，nil 時使用連線來源位址
	RateLimitKey func(r *http.Request) string
}

// Options HTTP 層設定
type Options struct {
	Production bool
	// TurnCacheMargin 快取時間比憑證有效期短的量
	TurnCacheMargin time.Duration
	// QuizmapCacheTTL 為 0 時快取到手動失效為止
	QuizmapCacheTTL time.Duration
	MaxUploadBytes  int64
	// AdminToken 清除快取所需的 Bearer token，空白時不註冊該路由
	AdminToken string
}

// Handler HTTP 請求處理器
type Handler struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(deps Deps, opts Options, logger *slog.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 8 << 20
	}
	return &Handler{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "http"),
	}
}

// envelope 所有 JSON 回應的外層格式
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}
	v1 := func(handler http.HandlerFunc) http.HandlerFunc {
		if h.deps.RateLimit == nil {
			return wrap(handler)
		}
		limited := ratelimit.Middleware(ratelimit.Config{
			Limiter:       h.deps.RateLimit,
			KeyFunc:       h.deps.RateLimitKey,
			OnRateLimited: h.rateLimited,
			Logger:        h.logger,
		})(handler)
		return wrap(limited.ServeHTTP)
	}

	mux.HandleFunc("GET /health", wrap(h.health))

	mux.HandleFunc("GET /v1/rooms/{roomId}", v1(h.getRoom))
	mux.HandleFunc("GET /v1/turn", v1(h.getTurn))
	mux.HandleFunc("GET /v1/quizmaps", v1(h.getQuizmaps))
	if h.opts.AdminToken != "" {
		mux.HandleFunc("DELETE /v1/quizmaps/cache", v1(h.requireAdmin(h.invalidateQuizmaps)))
	}
	mux.HandleFunc("POST /v1/quizmaps/listing", v1(h.requestListing))

	// WebSocket 升級需要原始的 ResponseWriter（Hijacker），不經過日誌包裝
	if h.deps.WebSocket != nil {
		mux.HandleFunc("GET /ws", h.recoverer(h.deps.WebSocket.ServeWS))
	}

	return mux
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "health check: store unavailable", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}

	stats := directory.Stats{}
	if h.deps.WebSocket != nil {
		stats = h.deps.WebSocket.Stats()
	}

	h.jsonResponse(w, r, code, http.StatusText(code), map[string]any{
		"status":      status,
		"time":        time.Now().Unix(),
		"connections": stats.Connections,
		"channels":    stats.Channels,
	})
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Code: status, Message: message, Data: data}); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

func (h *Handler) success(w http.ResponseWriter, r *http.Request, data any) {
	h.jsonResponse(w, r, http.StatusOK, "Success", data)
}

// errorResponse 依錯誤分類返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := apperrors.Public(err, h.opts.Production)
	if status >= http.StatusInternalServerError {
		logger.LogError(r.Context(), h.logger, "request failed", err)
	}
	h.jsonResponse(w, r, status, msg, nil)
}

func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", "1")
	h.errorResponse(w, r, apperrors.ErrRateLimited)
}

// requireAdmin 檢查 Authorization: Bearer <AdminToken>
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	want := []byte(h.opts.AdminToken)
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			h.logger.WarnContext(r.Context(), "rejected admin request", "path", r.URL.Path)
			h.errorResponse(w, r, apperrors.ErrUnauthorized)
			return
		}
		next(w, r)
	}
}

// requestID 為每個請求加上 ID（沿用客戶端帶來的值）
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		logger.Metrics(r.Context(), h.logger, "http "+r.Pattern, time.Since(start),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.statusCode))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic while handling request",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, r, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
