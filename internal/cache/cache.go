// Package cache 上游資料的旁路快取（Cache-Aside）
//
// 讀取流程：
//  1. 查詢快取
//  2. 命中：直接返回
//  3. 未命中：呼叫 loader → 寫入快取 → 返回
//
// 同一個 key 的併發未命中只會呼叫一次 loader（singleflight），
// 避免熱點過期時大量請求同時打到上游（快取擊穿）。
//
// 快取後端失敗不影響主流程：讀取失敗視為未命中，寫入失敗只記錄。
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Backend 快取後端
type Backend interface {
	// Get 回傳值與是否命中
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set ttl 為 0 表示不過期
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Loader 未命中時載入資料，回傳值與快取時間
type Loader[T any] func(ctx context.Context) (T, time.Duration, error)

// Aside Cache-Aside 策略
type Aside struct {
	backend Backend
	group   singleflight.Group
	logger  *slog.Logger
}

// NewAside 建立 Cache-Aside 策略
func NewAside(backend Backend, logger *slog.Logger) *Aside {
	return &Aside{
		backend: backend,
		logger:  logger.With("component", "cache"),
	}
}

// Invalidate 刪除快取，下次讀取重新載入
func (a *Aside) Invalidate(ctx context.Context, key string) error {
	if err := a.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// GetJSON 以 JSON 編碼讀寫快取
//
// loader 回傳的 ttl：0 表示不過期（直到 Invalidate），負值表示不寫入快取。
func GetJSON[T any](ctx context.Context, a *Aside, key string, load Loader[T]) (T, error) {
	var zero T

	raw, hit, err := a.backend.Get(ctx, key)
	if err != nil {
		a.logger.WarnContext(ctx, "cache read failed, loading from upstream", "key", key, "error", err)
	}
	if hit {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		a.logger.WarnContext(ctx, "discarding undecodable cache entry", "key", key)
	}

	// singleflight 的結果由所有等待者共用，loader 使用呼叫者以外的 context
	// 以免第一個呼叫者取消時連帶影響其他人
	res, err, shared := a.group.Do(key, func() (any, error) {
		v, ttl, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if ttl >= 0 {
			a.store(ctx, key, v, ttl)
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	if shared {
		a.logger.DebugContext(ctx, "cache load shared", "key", key)
	}
	return res.(T), nil
}

func (a *Aside) store(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		a.logger.WarnContext(ctx, "cache encode failed", "key", key, "error", err)
		return
	}
	if err := a.backend.Set(ctx, key, raw, ttl); err != nil {
		a.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}
