package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript 令牌桶演算法（Redis 端）
//
// 讀取、補充、扣除在同一個腳本中完成，多個實例同時請求同一個 key
// 不會超發令牌。狀態存在一個 HASH 中，閒置後自動過期。
//
// KEYS[1]: 限流 key
// ARGV[1]: 容量
// ARGV[2]: 每秒補充速率
// ARGV[3]: 目前時間（毫秒）
//
// 回傳：{allowed(1/0), 剩餘令牌（無條件捨去）}
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity / rate * 1000) + 1000)

return {allowed, math.floor(tokens)}
`)

// DistributedTokenBucket 以 Redis 共享狀態的令牌桶
type DistributedTokenBucket struct {
	client     redis.Scripter
	capacity   int
	refillRate float64
	prefix     string
	now        func() time.Time
}

// NewDistributedTokenBucket 建立分散式令牌桶
//
// prefix 會加在每個 key 前面，例如 "ratelimit:http" → "ratelimit:http:{key}"。
func NewDistributedTokenBucket(client redis.Scripter, capacity int, refillRate float64, prefix string) *DistributedTokenBucket {
	return &DistributedTokenBucket{
		client:     client,
		capacity:   capacity,
		refillRate: refillRate,
		prefix:     prefix,
		now:        time.Now,
	}
}

// Allow 嘗試為 key 取出一個令牌
//
// Redis 錯誤時回傳 (true, err)：呼叫者記錄錯誤後放行。
func (d *DistributedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	vals, err := tokenBucketScript.Run(ctx, d.client,
		[]string{d.prefix + ":" + key},
		d.capacity, d.refillRate, d.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return true, fmt.Errorf("distributed token bucket: %w", err)
	}
	if len(vals) != 2 {
		return true, fmt.Errorf("distributed token bucket: unexpected reply %v", vals)
	}
	return vals[0] == 1, nil
}
