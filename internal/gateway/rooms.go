package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/store"
	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
	"github.com/Kinggodhoon/i-hear-you-backend/pkg/logger"
	"github.com/Kinggodhoon/i-hear-you-backend/pkg/roomid"
)

// handleCreateRoom 建立房間，發送者成為房主
//
// 已在其他房間時先離開該房間（一條連線最多屬於一個房間）。
func (g *Gateway) handleCreateRoom(ctx context.Context, connID string, data json.RawMessage) error {
	var req createRoomRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	maxPlayers := g.opts.DefaultMaxPlayers
	if req.MaxPlayer != nil {
		maxPlayers = *req.MaxPlayer
	}
	if err := g.checkMaxPlayers(maxPlayers); err != nil {
		return err
	}

	if current, ok := g.dir.CurrentRoom(connID); ok {
		if err := g.leaveRoom(ctx, connID, current); err != nil {
			return err
		}
	}

	room, err := g.store.Create(ctx, roomid.Generate(), maxPlayers, connID)
	if err != nil {
		return err
	}
	g.dir.Join(connID, room.ID)

	g.logger.InfoContext(logger.WithRoomID(ctx, room.ID), "room created", "max_players", room.MaxPlayers)
	g.dir.SendTo(connID, EventCreateRoom, RoomCreated{
		RoomID:    room.ID,
		MaxPlayer: room.MaxPlayers,
		Host:      room.HostID,
	})
	return nil
}

// handleEnterRoom 加入房間
//
// 人數檢查與加入由 store 原子完成；已滿時不改變任何狀態也不廣播。
// 先加入新房間成功後才離開舊房間；離開舊房間失敗時撤回新房間的加入。
func (g *Gateway) handleEnterRoom(ctx context.Context, connID string, data json.RawMessage) error {
	var req enterRoomRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	ctx = logger.WithRoomID(ctx, req.RoomID)

	previous, inRoom := g.dir.CurrentRoom(connID)
	if inRoom && previous == req.RoomID {
		return apperrors.ErrMalformed.WithDetails("already in room " + req.RoomID)
	}

	room, err := g.mutate(ctx, req.RoomID, func(room store.Room) (store.Room, error) {
		return g.store.AddMember(ctx, room, connID)
	})
	if err != nil {
		return err
	}

	if inRoom {
		if err := g.leaveRoom(ctx, connID, previous); err != nil {
			g.rollbackEnter(ctx, connID, room.ID)
			return err
		}
	}
	g.dir.Join(connID, room.ID)
	g.dir.BroadcastTo(room.ID, EventEnterRoom, stateOf(room, connID))
	return nil
}

// rollbackEnter 撤回尚未廣播的加入
//
// 撤回也失敗時仍訂閱該房間，讓之後的 EXIT_ROOM 或斷線能把成員清掉。
func (g *Gateway) rollbackEnter(ctx context.Context, connID, roomID string) {
	if _, _, err := g.removeMember(ctx, connID, roomID); err != nil {
		g.logger.ErrorContext(ctx, "failed to roll back room entry", "error", err)
		g.dir.Join(connID, roomID)
	}
}

// handleExitRoom 離開所有訂閱中的房間；不在任何房間時不做事
//
// 正常情況下最多一個房間；撤回失敗時可能暫時有兩個。
func (g *Gateway) handleExitRoom(ctx context.Context, connID string, _ json.RawMessage) error {
	for {
		current, ok := g.dir.CurrentRoom(connID)
		if !ok {
			return nil
		}
		if err := g.leaveRoom(logger.WithRoomID(ctx, current), connID, current); err != nil {
			return err
		}
	}
}

// handleDisconnecting 斷線前離開房間
//
// 這是移除成員的最後機會：之後 Directory 會清掉訂閱，disconnect 找不到房間。
// 因此 store 暫時不可用時以退避重試幾次。
func (g *Gateway) handleDisconnecting(ctx context.Context, connID string, data json.RawMessage) error {
	const attempts = 3

	delay := g.opts.LeaveRetryDelay
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
			delay *= 2
		}
		if err = g.handleExitRoom(ctx, connID, data); err == nil || !apperrors.IsStoreUnavailable(err) {
			return err
		}
		g.logger.WarnContext(ctx, "failed to leave room on disconnect", "attempt", i+1, "error", err)
	}
	return err
}

// leaveRoom 移除成員並取消訂閱，房間仍存在時廣播 EXIT_ROOM
//
// 房間已不存在（已開始遊戲或已過期）視為成功。
func (g *Gateway) leaveRoom(ctx context.Context, connID, roomID string) error {
	room, removed, err := g.removeMember(ctx, connID, roomID)
	if err != nil || !removed {
		return err
	}

	if room.Empty() {
		g.logger.InfoContext(ctx, "room closed, last member left")
		return nil
	}
	g.dir.BroadcastTo(roomID, EventExitRoom, stateOf(room, connID))
	return nil
}

// removeMember 先從 store 移除，成功後才取消訂閱
//
// store 失敗時訂閱保留：訂閱是之後重試離開的唯一線索。
// removed 為 false 表示房間已不存在或連線本來就不是成員。
func (g *Gateway) removeMember(ctx context.Context, connID, roomID string) (store.Room, bool, error) {
	removed := false
	room, err := g.mutate(ctx, roomID, func(room store.Room) (store.Room, error) {
		if !room.HasMember(connID) {
			return room, nil
		}
		removed = true
		return g.store.RemoveMember(ctx, room, connID)
	})
	if apperrors.IsNotFound(err) {
		g.dir.Leave(connID, roomID)
		return store.Room{}, false, nil
	}
	if err != nil {
		return store.Room{}, false, err
	}
	g.dir.Leave(connID, roomID)
	return room, removed, nil
}

// handleModifyMaxPlayer 房主修改人數上限；低於目前人數時拒絕
func (g *Gateway) handleModifyMaxPlayer(ctx context.Context, connID string, data json.RawMessage) error {
	var req modifyMaxPlayerRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	if err := g.checkMaxPlayers(req.MaxPlayer); err != nil {
		return err
	}
	ctx = logger.WithRoomID(ctx, req.RoomID)

	room, err := g.mutate(ctx, req.RoomID, func(room store.Room) (store.Room, error) {
		if err := g.requireHost(room, connID); err != nil {
			return store.Room{}, err
		}
		return g.store.RenameCapacity(ctx, room, req.MaxPlayer)
	})
	if err != nil {
		return err
	}

	g.dir.BroadcastTo(room.ID, EventModifyMaxPlayer, CapacityChanged{RoomID: room.ID, MaxPlayer: room.MaxPlayers})
	return nil
}

// handleModifyHost 房主把房主權限交給另一位成員
func (g *Gateway) handleModifyHost(ctx context.Context, connID string, data json.RawMessage) error {
	var req targetRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	ctx = logger.WithRoomID(ctx, req.RoomID)

	room, err := g.mutate(ctx, req.RoomID, func(room store.Room) (store.Room, error) {
		if err := g.requireHost(room, connID); err != nil {
			return store.Room{}, err
		}
		if !room.HasMember(req.SocketID) {
			return store.Room{}, apperrors.ErrPlayerNotFound
		}
		return g.store.RenameHost(ctx, room, req.SocketID)
	})
	if err != nil {
		return err
	}

	g.dir.BroadcastTo(room.ID, EventModifyHostPlayer, stateOf(room, ""))
	return nil
}

// handleModifySettings 房主廣播房間設定；設定內容不經過 store
func (g *Gateway) handleModifySettings(ctx context.Context, connID string, data json.RawMessage) error {
	var req settingsRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}

	room, err := g.store.Lookup(logger.WithRoomID(ctx, req.RoomID), req.RoomID)
	if err != nil {
		return err
	}
	if err := g.requireHost(room, connID); err != nil {
		return err
	}

	g.dir.BroadcastTo(room.ID, EventModifySettings, SettingsChanged{RoomID: room.ID, Settings: req.Settings})
	return nil
}

// handleKickPlayer 房主踢出成員
//
// 被踢者收到 KICKED_FROM_ROOM 並被取消訂閱，其餘成員收到更新後的名單。
func (g *Gateway) handleKickPlayer(ctx context.Context, connID string, data json.RawMessage) error {
	var req targetRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	if req.SocketID == connID {
		return apperrors.ErrMalformed.WithDetails("host cannot kick itself")
	}
	ctx = logger.WithRoomID(ctx, req.RoomID)

	room, err := g.mutate(ctx, req.RoomID, func(room store.Room) (store.Room, error) {
		if err := g.requireHost(room, connID); err != nil {
			return store.Room{}, err
		}
		if !room.HasMember(req.SocketID) {
			return store.Room{}, apperrors.ErrPlayerNotFound
		}
		return g.store.RemoveMember(ctx, room, req.SocketID)
	})
	if err != nil {
		return err
	}

	g.dir.SendTo(req.SocketID, EventKickedFromRoom, Kicked{RoomID: room.ID, Message: KickedMessage})
	g.dir.Leave(req.SocketID, room.ID)
	g.dir.BroadcastTo(room.ID, EventKickPlayer, stateOf(room, req.SocketID))

	g.logger.InfoContext(ctx, "player kicked", "target", req.SocketID)
	return nil
}

// handleStartGame 房主開始遊戲：刪除房間記錄並解散頻道
//
// START_GAME 在取消訂閱前廣播，所有成員都收得到。
func (g *Gateway) handleStartGame(ctx context.Context, connID string, data json.RawMessage) error {
	var req startGameRequest
	if err := g.decode(data, &req); err != nil {
		return err
	}
	ctx = logger.WithRoomID(ctx, req.RoomID)

	room, err := g.store.Lookup(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if err := g.requireHost(room, connID); err != nil {
		return err
	}
	if err := g.store.Delete(ctx, room); err != nil {
		return err
	}

	g.dir.BroadcastTo(room.ID, EventStartGame, SettingsChanged{RoomID: room.ID, Settings: req.Settings})
	for _, member := range g.dir.Members(room.ID) {
		g.dir.Leave(member, room.ID)
	}

	g.logger.InfoContext(ctx, "game started", "players", len(room.Members))
	return nil
}
