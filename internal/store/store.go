// Package store 房間記錄儲存
//
// 一個房間在 Redis 中是一個 SET：
//
//	key   = room:{roomId}|{maxPlayers}|{hostId}
//	value = {connId, ...}
//
// 房間的三個純量欄位壓縮在 key 裡，修改人數上限或房主需要 RENAME
// （RENAME 保留 SET 內容與 TTL）。key 的編碼只存在於本套件，
// 其他套件只看到 Room 結構。
//
// 不變量：
//   - 0 < len(Members) <= MaxPlayers
//   - HostID ∈ Members
//   - 最後一位成員離開時房間被刪除
package store

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
)

const (
	// KeyPrefix 房間 key 前綴，與快取、限流的 key 區隔
	KeyPrefix = "room:"
	// keySep 純量欄位分隔符；房間 ID 與連線 ID 都不含此字元
	keySep = "|"
)

// Room 房間快照
//
// 重新命名後舊的 Room 值立即失效，後續操作必須使用回傳的新值。
type Room struct {
	ID         string
	MaxPlayers int
	HostID     string
	// Members 依字典序排序
	Members []string
}

// Key 房間在儲存中的位址
func (r Room) Key() string {
	return EncodeKey(r.ID, r.MaxPlayers, r.HostID)
}

// Empty 房間已無成員（已被刪除）
func (r Room) Empty() bool {
	return len(r.Members) == 0
}

// Full 房間人數已達上限
func (r Room) Full() bool {
	return len(r.Members) >= r.MaxPlayers
}

// HasMember 連線是否為成員
func (r Room) HasMember(connID string) bool {
	_, found := slices.BinarySearch(r.Members, connID)
	return found
}

// IsHost 連線是否為房主
func (r Room) IsHost(connID string) bool {
	return r.HostID == connID
}

// Store 房間記錄儲存介面
//
// 錯誤一律為 *apperrors.AppError：
//   - 房間或目標不存在 → NOT_FOUND
//   - 後端無法連線或逾時 → STORE_UNAVAILABLE
//   - 違反人數上限 → CAPACITY_EXCEEDED
type Store interface {
	// Lookup 以房間 ID 前綴搜尋，0 筆或多筆符合都視為不存在
	Lookup(ctx context.Context, roomID string) (Room, error)
	// Create 建立只含房主的房間並設定 TTL
	Create(ctx context.Context, roomID string, maxPlayers int, hostID string) (Room, error)
	// AddMember 人數未滿時加入成員；已是成員時直接回傳目前快照
	AddMember(ctx context.Context, room Room, connID string) (Room, error)
	// RemoveMember 移除成員；房主離開且仍有成員時，房主轉移給字典序最小的成員
	RemoveMember(ctx context.Context, room Room, connID string) (Room, error)
	// Members 成員快照
	Members(ctx context.Context, room Room) ([]string, error)
	// RenameCapacity 修改人數上限；目前人數超過新上限時拒絕
	RenameCapacity(ctx context.Context, room Room, maxPlayers int) (Room, error)
	// RenameHost 轉移房主；新房主必須是成員
	RenameHost(ctx context.Context, room Room, hostID string) (Room, error)
	// Delete 刪除房間
	Delete(ctx context.Context, room Room) error
	// Ping 檢查後端是否可用
	Ping(ctx context.Context) error
}

// Options 儲存行為設定
type Options struct {
	// TTL 房間存活時間
	TTL time.Duration
	// RefreshOnWrite 為 true 時每次成員異動都重設 TTL（idle 模式），
	// 否則只在建立時設定一次（fixed 模式）
	RefreshOnWrite bool
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = time.Hour
	}
	return o
}

// EncodeKey 組合房間 key
func EncodeKey(roomID string, maxPlayers int, hostID string) string {
	var b strings.Builder
	b.Grow(len(KeyPrefix) + len(roomID) + len(hostID) + 8)
	b.WriteString(KeyPrefix)
	b.WriteString(roomID)
	b.WriteString(keySep)
	b.WriteString(strconv.Itoa(maxPlayers))
	b.WriteString(keySep)
	b.WriteString(hostID)
	return b.String()
}

// ParseKey 解析房間 key，不含成員
func ParseKey(key string) (Room, error) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok {
		return Room{}, fmt.Errorf("room key %q: missing prefix", key)
	}
	parts := strings.Split(rest, keySep)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Room{}, fmt.Errorf("room key %q: want 3 fields", key)
	}
	maxPlayers, err := strconv.Atoi(parts[1])
	if err != nil || maxPlayers < 1 {
		return Room{}, fmt.Errorf("room key %q: bad max players", key)
	}
	return Room{ID: parts[0], MaxPlayers: maxPlayers, HostID: parts[2]}, nil
}

// lookupPattern 房間 ID 的 SCAN 比對樣式
func lookupPattern(roomID string) string {
	return KeyPrefix + escapeGlob(roomID) + keySep + "*"
}

// escapeGlob 跳脫 Redis glob 特殊字元
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// validID 房間/連線 ID 不可為空且不可含分隔符
func validID(id string) bool {
	return id != "" && !strings.Contains(id, keySep)
}

func sortedCopy(members []string) []string {
	out := slices.Clone(members)
	slices.Sort(out)
	return out
}

func badArgument(format string, args ...any) error {
	return apperrors.ErrMalformed.WithDetails(fmt.Sprintf(format, args...))
}
