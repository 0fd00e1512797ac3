package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// LimiterFunc 限流函數
type LimiterFunc func(ctx context.Context, key string) (bool, error)

// Config 限流中介軟體設定
type Config struct {
	// KeyFunc 從請求提取限流 key，預設為 ClientIP
	KeyFunc func(r *http.Request) string
	// Limiter 限流器
	Limiter LimiterFunc
	// OnRateLimited 限流觸發時的處理，預設回 429
	OnRateLimited http.HandlerFunc
	// Timeout 單次限流檢查的上限，預設 100ms
	Timeout time.Duration
	Logger  *slog.Logger
}

// Middleware 建立限流中介軟體
//
// 限流器出錯（例如 Redis 不可用）時放行請求並記錄警告。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.OnRateLimited == nil {
		cfg.OnRateLimited = defaultRateLimited
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
			allowed, err := cfg.Limiter(ctx, cfg.KeyFunc(r))
			cancel()

			if err != nil {
				cfg.Logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request",
					"error", err, "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				cfg.OnRateLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 連線對端的 IP，不讀任何標頭
//
// 服務在反向代理後面時改用 TrustedProxies.ClientIP。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TrustedProxies 受信任的反向代理網段
type TrustedProxies []netip.Prefix

// ParseTrustedProxies 解析 CIDR 或單一 IP
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	proxies := make(TrustedProxies, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("parse trusted proxy %q: %w", entry, err)
			}
			proxies = append(proxies, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		proxies = append(proxies, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return proxies, nil
}

// ClientIP 對端是受信任代理時才讀 X-Forwarded-For
//
// 由右往左跳過受信任的轉送者，第一個不受信任的位址就是客戶端；
// 更左邊的值可能是客戶端自己填的，不採用。
func (tp TrustedProxies) ClientIP(r *http.Request) string {
	remote := ClientIP(r)
	if !tp.contains(remote) {
		return remote
	}

	var hops []string
	for _, line := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(line, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !tp.contains(hops[i]) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return remote
}

func (tp TrustedProxies) contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range tp {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func defaultRateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"code":429,"message":"rate limit exceeded"}`))
}
