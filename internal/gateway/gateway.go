// Package gateway 房間生命週期與信令轉送
//
// Gateway 本身不保存狀態：房間記錄在 store，連線與訂閱在 Directory。
// 每個事件處理器在開始時重新讀取房間記錄，只依據該快照做判斷；
// 房主權限同樣以當次快照為準，不跨事件快取。
//
// Gateway 不持有任何鎖。同一連線的事件由 Directory 依序送入，
// 同一房間的併發操作由 store 的原子操作排序。
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/directory"
	"github.com/Kinggodhoon/i-hear-you-backend/internal/store"
	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
	"github.com/Kinggodhoon/i-hear-you-backend/pkg/logger"
)

// Directory gateway 需要的連線目錄能力
type Directory interface {
	Exists(connID string) bool
	// CurrentRoom 連線訂閱中的房間頻道（不含私人頻道）
	CurrentRoom(connID string) (string, bool)
	Join(connID, roomID string)
	Leave(connID, roomID string)
	Members(roomID string) []string
	SendTo(connID, event string, payload any)
	BroadcastTo(roomID, event string, payload any)
}

// Options gateway 設定
type Options struct {
	DefaultMaxPlayers int
	MaxPlayersLimit   int
	// Production 為 true 時 ERROR 只帶通用訊息
	Production bool
	// LeaveRetryDelay 斷線離開房間失敗時第一次重試前的等待，之後加倍
	LeaveRetryDelay time.Duration
}

type handlerFunc func(ctx context.Context, connID string, data json.RawMessage) error

// Gateway 事件分派與處理
type Gateway struct {
	store    store.Store
	dir      Directory
	opts     Options
	logger   *slog.Logger
	validate *validator.Validate
	handlers map[string]handlerFunc
}

// New 建立 Gateway
func New(st store.Store, dir Directory, opts Options, logger *slog.Logger) *Gateway {
	if opts.DefaultMaxPlayers < 1 {
		opts.DefaultMaxPlayers = 8
	}
	if opts.MaxPlayersLimit < opts.DefaultMaxPlayers {
		opts.MaxPlayersLimit = opts.DefaultMaxPlayers
	}
	if opts.LeaveRetryDelay <= 0 {
		opts.LeaveRetryDelay = 100 * time.Millisecond
	}

	g := &Gateway{
		store:    st,
		dir:      dir,
		opts:     opts,
		logger:   logger.With("component", "gateway"),
		validate: newValidator(),
	}
	g.handlers = map[string]handlerFunc{
		EventPing:                    g.handlePing,
		EventCreateRoom:              g.handleCreateRoom,
		EventEnterRoom:               g.handleEnterRoom,
		EventExitRoom:                g.handleExitRoom,
		directory.EventDisconnecting: g.handleDisconnecting,
		directory.EventDisconnect:    g.handleExitRoom,
		EventModifyMaxPlayer:         g.handleModifyMaxPlayer,
		EventModifyHostPlayer:        g.handleModifyHost,
		EventModifySettings:          g.handleModifySettings,
		EventKickPlayer:              g.handleKickPlayer,
		EventStartGame:               g.handleStartGame,
		EventServeOffer:              g.relay(EventServeOffer),
		EventServeAnswer:             g.relay(EventServeAnswer),
		EventServeCandidate:          g.relay(EventServeCandidate),
	}
	return g
}

// HandleEvent 處理一個事件，錯誤以 ERROR 私訊回報給發送者
func (g *Gateway) HandleEvent(ctx context.Context, connID string, env directory.Envelope) {
	start := time.Now()

	handler, ok := g.handlers[env.Event]
	var err error
	if !ok {
		err = apperrors.ErrMalformed.WithDetails("unknown event " + env.Event)
	} else {
		err = g.safeCall(ctx, handler, connID, env.Data)
	}

	outcome := "ok"
	if err != nil {
		outcome = apperrors.As(err).Code
		g.HandleError(ctx, connID, err)
	}
	logger.Metrics(ctx, g.logger, env.Event, time.Since(start), slog.String("outcome", outcome))
}

// safeCall 執行處理器並把 panic 轉成內部錯誤
func (g *Gateway) safeCall(ctx context.Context, h handlerFunc, connID string, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrCodeInternal, fmt.Sprintf("panic: %v", r))
		}
	}()
	return h(ctx, connID, data)
}

// HandleError 把錯誤轉成 ERROR 私訊
//
// 連線已不存在（斷線後）時只記錄，不回送。
func (g *Gateway) HandleError(ctx context.Context, connID string, err error) {
	appErr := apperrors.As(err)
	switch appErr.Code {
	case apperrors.ErrCodeStoreUnavailable, apperrors.ErrCodeInternal:
		logger.LogError(ctx, g.logger, "event failed", err)
	default:
		g.logger.DebugContext(ctx, "event rejected", "error", err)
	}

	if !g.dir.Exists(connID) {
		return
	}
	status, msg := apperrors.Public(err, g.opts.Production)
	g.dir.SendTo(connID, EventError, ErrorMessage{Code: status, Message: msg})
}

func (g *Gateway) handlePing(ctx context.Context, connID string, _ json.RawMessage) error {
	g.dir.SendTo(connID, EventPong, nil)
	return nil
}

// mutate 讀取房間並執行 fn；若 fn 回報 NOT_FOUND 但房間仍存在
// （key 在讀取後被其他連線 RENAME），以新快照重試
func (g *Gateway) mutate(ctx context.Context, roomID string, fn func(room store.Room) (store.Room, error)) (store.Room, error) {
	const attempts = 3

	var lastErr error
	for i := 0; i < attempts; i++ {
		room, err := g.store.Lookup(ctx, roomID)
		if err != nil {
			return store.Room{}, err
		}
		next, err := fn(room)
		if err == nil || !isStaleRoom(err) {
			return next, err
		}
		lastErr = err
	}
	return store.Room{}, lastErr
}

// isStaleRoom store 對已被 RENAME 或刪除的快照回報 ErrRoomNotFound
func isStaleRoom(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr == apperrors.ErrRoomNotFound
}

func (g *Gateway) requireHost(room store.Room, connID string) error {
	if !room.IsHost(connID) {
		return apperrors.ErrNotHost
	}
	return nil
}

func (g *Gateway) checkMaxPlayers(n int) error {
	if n > g.opts.MaxPlayersLimit {
		return apperrors.ErrMalformed.WithDetails(
			fmt.Sprintf("maxPlayer must be <= %d", g.opts.MaxPlayersLimit))
	}
	return nil
}
