// Package ratelimit 令牌桶限流
//
// TokenBucket 用於單一 WebSocket 連線的事件頻率限制（狀態在程序內）；
// DistributedTokenBucket 用於 HTTP 依客戶端 IP 限流（狀態在 Redis，
// 多個實例共用）。
//
// 令牌桶：
//   - 桶容量 capacity，初始為滿
//   - 每秒補充 refillRate 個令牌，不超過容量
//   - 每個請求取走一個令牌，沒有令牌則拒絕
//
// 容量決定可容忍的突發量，補充速率決定長期平均速率。
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket 本地令牌桶，可併發使用
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // 每秒
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 建立令牌桶
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow 嘗試取出一個令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 目前可用的令牌數（無條件捨去）
func (tb *TokenBucket) Tokens() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int(tb.tokens)
}

// refill 依經過時間補充令牌，呼叫者需持有鎖
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}
