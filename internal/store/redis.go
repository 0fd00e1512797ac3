package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
)

// 腳本回傳的狀態碼（回傳陣列的第一個元素）
const (
	statusOK           = 0
	statusRoomMissing  = 1
	statusFull         = 2
	statusTargetAbsent = 3
)

// addMemberScript 條件式加入
//
// 檢查人數與 SADD 在同一個腳本內完成，兩個同時加入最後一個空位的請求
// 只有一個會成功。
//
// KEYS[1]: 房間 key
// ARGV[1]: 連線 ID
// ARGV[2]: 人數上限
// ARGV[3]: 重設的 TTL（毫秒，0 = 不重設）
//
// 回傳：{status, members...}
var addMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {1}
end
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[2]) then
    return {2}
  end
  redis.call('SADD', KEYS[1], ARGV[1])
  if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
  end
end
local out = {0}
for _, m in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  out[#out + 1] = m
end
return out
`)

// removeMemberScript 移除成員並在房主離開時轉移房主
//
// 最後一位成員被 SREM 後 Redis 自動刪除空 SET，房間隨之消失。
// 新 key 在腳本內組出，因此只適用單一 Redis 實例（非 Cluster）。
//
// KEYS[1]: 房間 key
// ARGV[1]: 連線 ID
// ARGV[2]: 目前房主
// ARGV[3]: 新 key 前綴（room:{id}|{max}|）
// ARGV[4]: 重設的 TTL（毫秒，0 = 不重設）
//
// 回傳：{status, key, members...}
var removeMemberScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {1}
end
redis.call('SREM', KEYS[1], ARGV[1])
local members = redis.call('SMEMBERS', KEYS[1])
if #members == 0 then
  return {0, KEYS[1]}
end
local key = KEYS[1]
if ARGV[1] == ARGV[2] then
  table.sort(members)
  key = ARGV[3] .. members[1]
  redis.call('RENAME', KEYS[1], key)
end
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', key, ARGV[4])
end
local out = {0, key}
for _, m in ipairs(members) do
  out[#out + 1] = m
end
return out
`)

// renameCapacityScript 修改人數上限
//
// KEYS[1]: 舊 key
// KEYS[2]: 新 key
// ARGV[1]: 新上限
//
// 回傳：{status, members...}
var renameCapacityScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {1}
end
if redis.call('SCARD', KEYS[1]) > tonumber(ARGV[1]) then
  return {2}
end
if KEYS[1] ~= KEYS[2] then
  redis.call('RENAME', KEYS[1], KEYS[2])
end
local out = {0}
for _, m in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  out[#out + 1] = m
end
return out
`)

// renameHostScript 轉移房主
//
// KEYS[1]: 舊 key
// KEYS[2]: 新 key
// ARGV[1]: 新房主
//
// 回傳：{status, members...}
var renameHostScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {1}
end
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return {3}
end
if KEYS[1] ~= KEYS[2] then
  redis.call('RENAME', KEYS[1], KEYS[2])
end
local out = {0}
for _, m in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  out[#out + 1] = m
end
return out
`)

// Redis 以 go-redis 實作 Store
//
// 所有多步驟操作都在 Lua 腳本內完成，Redis 單執行緒執行腳本，
// 每個操作對同一房間是原子的。
type Redis struct {
	client redis.UniversalClient
	opts   Options
}

// NewRedis 建立 Redis 房間儲存
func NewRedis(client redis.UniversalClient, opts Options) *Redis {
	return &Redis{client: client, opts: opts.withDefaults()}
}

// Lookup 以 SCAN 搜尋 room:{roomID}|*
func (s *Redis) Lookup(ctx context.Context, roomID string) (Room, error) {
	if !validID(roomID) {
		return Room{}, apperrors.ErrRoomNotFound
	}

	var keys []string
	iter := s.client.Scan(ctx, 0, lookupPattern(roomID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) > 1 {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return Room{}, unavailable("lookup", err)
	}
	if len(keys) != 1 {
		return Room{}, apperrors.ErrRoomNotFound
	}

	room, err := ParseKey(keys[0])
	if err != nil {
		return Room{}, apperrors.ErrRoomNotFound.WithDetails(err.Error())
	}

	members, err := s.Members(ctx, room)
	if err != nil {
		return Room{}, err
	}
	room.Members = members
	return room, nil
}

// Create 以 MULTI/EXEC 同時寫入房主與 TTL
func (s *Redis) Create(ctx context.Context, roomID string, maxPlayers int, hostID string) (Room, error) {
	if !validID(roomID) || !validID(hostID) {
		return Room{}, badArgument("invalid room id %q or host id %q", roomID, hostID)
	}
	if maxPlayers < 1 {
		return Room{}, badArgument("max players must be >= 1, got %d", maxPlayers)
	}

	room := Room{ID: roomID, MaxPlayers: maxPlayers, HostID: hostID, Members: []string{hostID}}
	key := room.Key()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, hostID)
		pipe.PExpire(ctx, key, s.opts.TTL)
		return nil
	})
	if err != nil {
		return Room{}, unavailable("create", err)
	}
	return room, nil
}

// AddMember 條件式加入
func (s *Redis) AddMember(ctx context.Context, room Room, connID string) (Room, error) {
	if !validID(connID) {
		return Room{}, badArgument("invalid connection id %q", connID)
	}

	vals, err := addMemberScript.Run(ctx, s.client,
		[]string{room.Key()}, connID, room.MaxPlayers, s.refreshMillis()).Slice()
	if err != nil {
		return Room{}, unavailable("add member", err)
	}

	status, rest, err := scriptResult(vals)
	if err != nil {
		return Room{}, unavailable("add member", err)
	}
	switch status {
	case statusOK:
		room.Members = sortedCopy(rest)
		return room, nil
	case statusFull:
		return Room{}, apperrors.ErrRoomFull
	default:
		return Room{}, apperrors.ErrRoomNotFound
	}
}

// RemoveMember 移除成員並視情況轉移房主
func (s *Redis) RemoveMember(ctx context.Context, room Room, connID string) (Room, error) {
	prefix := EncodeKey(room.ID, room.MaxPlayers, "")

	vals, err := removeMemberScript.Run(ctx, s.client,
		[]string{room.Key()}, connID, room.HostID, prefix, s.refreshMillis()).Slice()
	if err != nil {
		return Room{}, unavailable("remove member", err)
	}

	status, rest, err := scriptResult(vals)
	if err != nil {
		return Room{}, unavailable("remove member", err)
	}
	if status != statusOK || len(rest) == 0 {
		return Room{}, apperrors.ErrRoomNotFound
	}

	next, err := ParseKey(rest[0])
	if err != nil {
		return Room{}, unavailable("remove member", err)
	}
	next.Members = sortedCopy(rest[1:])
	return next, nil
}

// Members 成員快照；空 SET 即房間不存在
func (s *Redis) Members(ctx context.Context, room Room) ([]string, error) {
	members, err := s.client.SMembers(ctx, room.Key()).Result()
	if err != nil {
		return nil, unavailable("members", err)
	}
	if len(members) == 0 {
		return nil, apperrors.ErrRoomNotFound
	}
	return sortedCopy(members), nil
}

// RenameCapacity 修改人數上限，RENAME 保留 TTL
func (s *Redis) RenameCapacity(ctx context.Context, room Room, maxPlayers int) (Room, error) {
	if maxPlayers < 1 {
		return Room{}, badArgument("max players must be >= 1, got %d", maxPlayers)
	}

	next := Room{ID: room.ID, MaxPlayers: maxPlayers, HostID: room.HostID}
	vals, err := renameCapacityScript.Run(ctx, s.client,
		[]string{room.Key(), next.Key()}, maxPlayers).Slice()
	if err != nil {
		return Room{}, unavailable("rename capacity", err)
	}

	status, rest, err := scriptResult(vals)
	if err != nil {
		return Room{}, unavailable("rename capacity", err)
	}
	switch status {
	case statusOK:
		next.Members = sortedCopy(rest)
		return next, nil
	case statusFull:
		return Room{}, apperrors.ErrCapacityBelowMembers
	default:
		return Room{}, apperrors.ErrRoomNotFound
	}
}

// RenameHost 轉移房主
func (s *Redis) RenameHost(ctx context.Context, room Room, hostID string) (Room, error) {
	if !validID(hostID) {
		return Room{}, apperrors.ErrPlayerNotFound
	}

	next := Room{ID: room.ID, MaxPlayers: room.MaxPlayers, HostID: hostID}
	vals, err := renameHostScript.Run(ctx, s.client,
		[]string{room.Key(), next.Key()}, hostID).Slice()
	if err != nil {
		return Room{}, unavailable("rename host", err)
	}

	status, rest, err := scriptResult(vals)
	if err != nil {
		return Room{}, unavailable("rename host", err)
	}
	switch status {
	case statusOK:
		next.Members = sortedCopy(rest)
		return next, nil
	case statusTargetAbsent:
		return Room{}, apperrors.ErrPlayerNotFound
	default:
		return Room{}, apperrors.ErrRoomNotFound
	}
}

// Delete 刪除房間
func (s *Redis) Delete(ctx context.Context, room Room) error {
	if err := s.client.Del(ctx, room.Key()).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Ping 檢查 Redis 連線
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Redis) refreshMillis() int64 {
	if !s.opts.RefreshOnWrite {
		return 0
	}
	return s.opts.TTL.Milliseconds()
}

// scriptResult 拆解 {status, strings...} 形式的腳本回傳值
func scriptResult(vals []any) (int64, []string, error) {
	if len(vals) == 0 {
		return 0, nil, errors.New("empty script reply")
	}
	status, ok := vals[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected script status %T", vals[0])
	}
	rest := make([]string, 0, len(vals)-1)
	for _, v := range vals[1:] {
		s, ok := v.(string)
		if !ok {
			return 0, nil, fmt.Errorf("unexpected script value %T", v)
		}
		rest = append(rest, s)
	}
	return status, rest, nil
}

// unavailable 把 Redis 錯誤轉成儲存分類錯誤；redis.Nil 視為不存在
func unavailable(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return apperrors.ErrRoomNotFound
	}
	return apperrors.ErrStoreUnavailable.WithDetails(op).WithCause(err)
}
