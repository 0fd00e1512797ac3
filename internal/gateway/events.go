package gateway

import (
	"encoding/json"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/store"
)

// 事件名稱（與既有客戶端相容）
const (
	EventPing = "ping"
	EventPong = "pong"

	EventCreateRoom       = "CREATE_ROOM"
	EventEnterRoom        = "ENTER_ROOM"
	EventExitRoom         = "EXIT_ROOM"
	EventModifyMaxPlayer  = "MODIFY_ROOM_MAX_PLAYER"
	EventModifyHostPlayer = "MODIFY_ROOM_HOST_PLAYER"
	EventModifySettings   = "MODIFY_ROOM_SETTINGS"
	EventKickPlayer       = "KICK_PLAYER"
	EventKickedFromRoom   = "KICKED_FROM_ROOM"
	EventStartGame        = "START_GAME"

	EventServeOffer     = "SERVER_OFFER"
	EventServeAnswer    = "SERVE_ANSWER"
	EventServeCandidate = "SERVE_CANDIDATE"

	EventError = "ERROR"
)

// KickedMessage 被踢出時送給目標的訊息
const KickedMessage = "You were kicked out of the room by host."

// 收到的事件內容

type createRoomRequest struct {
	MaxPlayer *int `json:"maxPlayer" validate:"omitempty,min=1"`
}

type enterRoomRequest struct {
	RoomID string `json:"roomId" validate:"required,roomid"`
}

type modifyMaxPlayerRequest struct {
	RoomID    string `json:"roomId" validate:"required,roomid"`
	MaxPlayer int    `json:"maxPlayer" validate:"required,min=1"`
}

type targetRequest struct {
	RoomID   string `json:"roomId" validate:"required,roomid"`
	SocketID string `json:"socketId" validate:"required,max=64"`
}

type settingsRequest struct {
	RoomID   string          `json:"roomId" validate:"required,roomid"`
	Settings json.RawMessage `json:"settings" validate:"required"`
}

type startGameRequest struct {
	RoomID   string          `json:"roomId" validate:"required,roomid"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

type relayRequest struct {
	SocketID string          `json:"socketId" validate:"required,max=64"`
	Message  json.RawMessage `json:"message" validate:"required"`
}

// 送出的事件內容

// RoomCreated CREATE_ROOM 回應
type RoomCreated struct {
	RoomID    string `json:"roomId"`
	MaxPlayer int    `json:"maxPlayer"`
	Host      string `json:"host"`
}

// RoomState 成員異動後的房間狀態
//
// SocketID 為觸發異動的連線（加入者、離開者或被踢者）。
type RoomState struct {
	RoomID    string   `json:"roomId"`
	SocketID  string   `json:"socketId,omitempty"`
	Host      string   `json:"host"`
	Players   []string `json:"players"`
	MaxPlayer int      `json:"maxPlayer"`
}

func stateOf(room store.Room, socketID string) RoomState {
	players := room.Members
	if players == nil {
		players = []string{}
	}
	return RoomState{
		RoomID:    room.ID,
		SocketID:  socketID,
		Host:      room.HostID,
		Players:   players,
		MaxPlayer: room.MaxPlayers,
	}
}

// CapacityChanged MODIFY_ROOM_MAX_PLAYER 廣播
type CapacityChanged struct {
	RoomID    string `json:"roomId"`
	MaxPlayer int    `json:"maxPlayer"`
}

// SettingsChanged MODIFY_ROOM_SETTINGS / START_GAME 廣播
type SettingsChanged struct {
	RoomID   string          `json:"roomId"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Kicked KICKED_FROM_ROOM 私訊
type Kicked struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// Relayed 轉送給目標的信令
type Relayed struct {
	SocketID string          `json:"socketId"`
	Message  json.RawMessage `json:"message"`
}

// ErrorMessage ERROR 私訊
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
