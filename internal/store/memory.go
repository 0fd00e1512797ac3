package store

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
)

// memoryRoom 記憶體中的房間記錄
type memoryRoom struct {
	maxPlayers int
	hostID     string
	members    map[string]struct{}
	expiresAt  time.Time
}

// Memory 記憶體版 Store
//
// 以單一互斥鎖模擬 Redis 腳本的原子性；過期在存取時檢查（lazy expiry）。
// 操作傳入的 Room 若與目前記錄的上限或房主不符，行為與 Redis 中
// key 已被 RENAME 相同：回傳 NOT_FOUND。
type Memory struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom // roomID → 記錄
	opts  Options
	now   func() time.Time
}

// NewMemory 建立記憶體房間儲存
func NewMemory(opts Options) *Memory {
	return &Memory{
		rooms: make(map[string]*memoryRoom),
		opts:  opts.withDefaults(),
		now:   time.Now,
	}
}

// get 取得未過期且 key 相符的記錄，呼叫者需持有鎖
func (m *Memory) get(room Room) (*memoryRoom, bool) {
	rec, ok := m.live(room.ID)
	if !ok || rec.maxPlayers != room.MaxPlayers || rec.hostID != room.HostID {
		return nil, false
	}
	return rec, true
}

// live 取得未過期的記錄，呼叫者需持有鎖
func (m *Memory) live(roomID string) (*memoryRoom, bool) {
	rec, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	if !m.now().Before(rec.expiresAt) {
		delete(m.rooms, roomID)
		return nil, false
	}
	return rec, true
}

func (m *Memory) snapshot(roomID string, rec *memoryRoom) Room {
	return Room{
		ID:         roomID,
		MaxPlayers: rec.maxPlayers,
		HostID:     rec.hostID,
		Members:    sortedCopy(lo.Keys(rec.members)),
	}
}

func (m *Memory) touch(rec *memoryRoom) {
	if m.opts.RefreshOnWrite {
		rec.expiresAt = m.now().Add(m.opts.TTL)
	}
}

// Lookup 依房間 ID 查詢
func (m *Memory) Lookup(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, unavailable("lookup", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.live(roomID)
	if !ok {
		return Room{}, apperrors.ErrRoomNotFound
	}
	return m.snapshot(roomID, rec), nil
}

// Create 建立房間
func (m *Memory) Create(ctx context.Context, roomID string, maxPlayers int, hostID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, unavailable("create", err)
	}
	if !validID(roomID) || !validID(hostID) {
		return Room{}, badArgument("invalid room id %q or host id %q", roomID, hostID)
	}
	if maxPlayers < 1 {
		return Room{}, badArgument("max players must be >= 1, got %d", maxPlayers)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &memoryRoom{
		maxPlayers: maxPlayers,
		hostID:     hostID,
		members:    map[string]struct{}{hostID: {}},
		expiresAt:  m.now().Add(m.opts.TTL),
	}
	m.rooms[roomID] = rec
	return m.snapshot(roomID, rec), nil
}

// AddMember 條件式加入
func (m *Memory) AddMember(ctx context.Context, room Room, connID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, unavailable("add member", err)
	}
	if !validID(connID) {
		return Room{}, badArgument("invalid connection id %q", connID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.get(room)
	if !ok {
		return Room{}, apperrors.ErrRoomNotFound
	}
	if _, member := rec.members[connID]; !member {
		if len(rec.members) >= rec.maxPlayers {
			return Room{}, apperrors.ErrRoomFull
		}
		rec.members[connID] = struct{}{}
		m.touch(rec)
	}
	return m.snapshot(room.ID, rec), nil
}

// RemoveMember 移除成員
func (m *Memory) RemoveMember(ctx context.Context, room Room, connID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, unavailable("remove member", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.get(room)
	if !ok {
		return Room{}, apperrors.ErrRoomNotFound
	}

	delete(rec.members, connID)
	if len(rec.members) == 0 {
		delete(m.rooms, room.ID)
		return Room{ID: room.ID, MaxPlayers: rec.maxPlayers, HostID: rec.hostID}, nil
	}

	next := m.snapshot(room.ID, rec)
	if connID == rec.hostID {
		rec.hostID = next.Members[0]
		next.HostID = rec.hostID
	}
	m.touch(rec)
	return next, nil
}

// Members 成員快照
func (m *Memory) Members(ctx context.Context, room Room) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("members", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.get(room)
	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	return m.snapshot(room.ID, rec).Members, nil
}

// RenameCapacity 修改人數上限
func (m *Memory) RenameCapacity(ctx context.Context, room Room, maxPlayers int) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, unavailable("rename capacity", err)
	}
	if maxPlayers < 1 {
		return Room{}, badArgument("max players must be >= 1, got %d", maxPlayers)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.get(room)
	if !ok {
		return Room{}, apperrors.ErrRoomNotFound
	}
	if len(rec.members) > maxPlayers {
		return Room{}, apperrors.ErrCapacityBelowMembers
	}
	rec.maxPlayers = maxPlayers
	return m.snapshot(room.ID, rec), nil
}

// RenameHost 轉移房主
func (m *Memory) RenameHost(ctx context.Context, room Room, hostID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, unavailable("rename host", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.get(room)
	if !ok {
		return Room{}, apperrors.ErrRoomNotFound
	}
	if _, member := rec.members[hostID]; !member {
		return Room{}, apperrors.ErrPlayerNotFound
	}
	rec.hostID = hostID
	return m.snapshot(room.ID, rec), nil
}

// Delete 刪除房間；不存在時不報錯（與 DEL 相同）
func (m *Memory) Delete(ctx context.Context, room Room) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.get(room); ok {
		delete(m.rooms, room.ID)
	}
	return nil
}

// Ping 記憶體儲存永遠可用
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Len 目前的房間數（含尚未被清除的過期房間）
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
