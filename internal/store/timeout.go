package store

import (
	"context"
	"time"
)

// timeoutStore 為每次儲存呼叫加上逾時
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout 包裝 Store，每次呼叫的 context 最多存活 timeout
//
// 逾時以 STORE_UNAVAILABLE 回報，只影響當次操作。
func WithTimeout(next Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: timeout}
}

func (s *timeoutStore) Lookup(ctx context.Context, roomID string) (Room, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Lookup(ctx, roomID)
}

func (s *timeoutStore) Create(ctx context.Context, roomID string, maxPlayers int, hostID string) (Room, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Create(ctx, roomID, maxPlayers, hostID)
}

func (s *timeoutStore) AddMember(ctx context.Context, room Room, connID string) (Room, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.AddMember(ctx, room, connID)
}

func (s *timeoutStore) RemoveMember(ctx context.Context, room Room, connID string) (Room, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.RemoveMember(ctx, room, connID)
}

func (s *timeoutStore) Members(ctx context.Context, room Room) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Members(ctx, room)
}

func (s *timeoutStore) RenameCapacity(ctx context.Context, room Room, maxPlayers int) (Room, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.RenameCapacity(ctx, room, maxPlayers)
}

func (s *timeoutStore) RenameHost(ctx context.Context, room Room, hostID string) (Room, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.RenameHost(ctx, room, hostID)
}

func (s *timeoutStore) Delete(ctx context.Context, room Room) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Delete(ctx, room)
}

func (s *timeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Ping(ctx)
}
