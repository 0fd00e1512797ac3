// Package directory 連線目錄
//
// Hub 管理所有 WebSocket 連線與頻道訂閱：
//   - 每條連線在升級時取得 UUID，SendTo(connID) 即該連線的私人頻道
//   - 連線另外訂閱房間頻道（gateway 保證最多一個）；「目前所在房間」由訂閱狀態推得，
//     沒有另外的 connID → roomID 對照表
//   - 送出訊息一律非阻塞：緩衝區滿時丟棄並記錄警告
//
// 連線收到的事件在該連線的 read goroutine 中依到達順序同步處理；
// 不同連線之間完全併發。
package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/ratelimit"
)

// 由 Hub 產生的事件名稱
const (
	// EventConnected 連線建立後送給客戶端 {socketId}
	EventConnected = "CONNECTED"
	// EventDisconnecting 讀取失敗後、移除訂閱前分派
	EventDisconnecting = "disconnecting"
	// EventDisconnect 移除訂閱後分派
	EventDisconnect = "disconnect"
)

// Envelope 收到的事件
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// message 送出的事件
type message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EventHandler 事件處理者（gateway）
type EventHandler interface {
	// HandleEvent 處理一個事件；同一連線的呼叫不會重疊
	HandleEvent(ctx context.Context, connID string, env Envelope)
	// HandleError 回報無法分派的輸入（格式錯誤、超過頻率）
	HandleError(ctx context.Context, connID string, err error)
}

// Options Hub 設定
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	MaxMessageBytes int64
	// AllowedOrigins 為空時允許所有來源
	AllowedOrigins []string
	// RateCapacity、RateRefill 每條連線的事件令牌桶
	RateCapacity int
	RateRefill   float64

	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 1024
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 1024
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.RateCapacity <= 0 {
		o.RateCapacity = 50
	}
	if o.RateRefill <= 0 {
		o.RateRefill = 20
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// Stats 目前連線統計
type Stats struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
}

// Hub WebSocket 連線中心
//
// clients 與 channels 由 mu 保護。送出訊息時持有讀鎖，關閉 Send channel
// 時持有寫鎖，因此不會對已關閉的 channel 送出。
type Hub struct {
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader
	handler  EventHandler

	mu       sync.RWMutex
	clients  map[string]*Client            // connID → Client
	channels map[string]map[string]*Client // 房間頻道 → connID → Client
	stopped  bool

	wg sync.WaitGroup
}

// NewHub 建立 Hub；開始接受連線前必須呼叫 SetHandler
func NewHub(opts Options, logger *slog.Logger) *Hub {
	opts = opts.withDefaults()
	hub := &Hub{
		logger:   logger.With("component", "directory"),
		opts:     opts,
		clients:  make(map[string]*Client),
		channels: make(map[string]map[string]*Client),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     hub.checkOrigin,
	}
	return hub
}

// SetHandler 設定事件處理者
func (h *Hub) SetHandler(handler EventHandler) {
	h.handler = handler
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(h.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// ServeWS 升級連線並啟動讀寫 goroutine
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stopped := h.stopped
	h.mu.RUnlock()
	if stopped {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已回應 HTTP 錯誤
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		ID:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBufferSize),
		limiter: ratelimit.NewTokenBucket(h.opts.RateCapacity, h.opts.RateRefill),
	}
	if !h.register(client) {
		_ = conn.Close()
		return
	}

	h.wg.Add(2)
	go client.writePump()
	go client.readPump()

	h.logger.Info("websocket connected", "conn_id", client.ID, "remote", r.RemoteAddr)
}

// register 註冊連線並送出 CONNECTED
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return false
	}
	h.clients[c.ID] = c
	if data, err := encode(EventConnected, map[string]string{"socketId": c.ID}); err == nil {
		c.enqueue(data)
	}
	return true
}

// unregister 移除連線與其所有訂閱
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if actual, ok := h.clients[c.ID]; !ok || actual != c {
		return
	}
	delete(h.clients, c.ID)
	for _, room := range c.rooms {
		h.leaveLocked(c, room)
	}
	c.closeSend()
}

// dispatch 把事件交給 handler
func (h *Hub) dispatch(c *Client, env Envelope) {
	if h.handler == nil {
		h.logger.Error("no event handler configured", "event", env.Event)
		return
	}
	h.handler.HandleEvent(c.ctx(), c.ID, env)
}

// reject 回報輸入錯誤
func (h *Hub) reject(c *Client, err error) {
	if h.handler == nil {
		return
	}
	h.handler.HandleError(c.ctx(), c.ID, err)
}

// Exists 連線是否存在
func (h *Hub) Exists(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

// CurrentRoom 連線目前訂閱的房間頻道
func (h *Hub) CurrentRoom(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok || len(c.rooms) == 0 {
		return "", false
	}
	return c.rooms[0], true
}

// Join 訂閱房間頻道；連線不存在時忽略
func (h *Hub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok || slices.Contains(c.rooms, room) {
		return
	}
	c.rooms = append(c.rooms, room)
	slices.Sort(c.rooms)

	members, ok := h.channels[room]
	if !ok {
		members = make(map[string]*Client)
		h.channels[room] = members
	}
	members[connID] = c
}

// Leave 取消訂閱房間頻道
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connID]; ok {
		h.leaveLocked(c, room)
	}
}

// leaveLocked 呼叫者需持有寫鎖
func (h *Hub) leaveLocked(c *Client, room string) {
	c.rooms = slices.DeleteFunc(c.rooms, func(r string) bool { return r == room })
	if members, ok := h.channels[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.channels, room)
		}
	}
}

// Members 房間頻道的訂閱者，依字典序排序
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := lo.Keys(h.channels[room])
	slices.Sort(ids)
	return ids
}

// SendTo 送出事件給單一連線
func (h *Hub) SendTo(connID, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		h.logger.Debug("send to unknown connection", "conn_id", connID, "event", event)
		return
	}
	if !c.enqueue(data) {
		h.logger.Warn("send buffer full, dropping message", "conn_id", connID, "event", event)
	}
}

// BroadcastTo 送出事件給房間頻道的所有訂閱者
func (h *Hub) BroadcastTo(room, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.channels[room] {
		if !c.enqueue(data) {
			h.logger.Warn("send buffer full, dropping message",
				"conn_id", id, "room_id", room, "event", event)
		}
	}
}

// Stats 連線統計
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.clients), Channels: len(h.channels)}
}

// Stop 關閉所有連線並等待讀寫 goroutine 結束
//
// 每條連線的 disconnecting/disconnect 事件仍會分派，房間記錄因此被清理。
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	for _, c := range h.clients {
		_ = c.conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("websocket hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(message{Event: event, Data: payload})
}
