package directory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/ratelimit"
	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
	"github.com/Kinggodhoon/i-hear-you-backend/pkg/logger"
)

// Client 一條 WebSocket 連線
type Client struct {
	ID      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *ratelimit.TokenBucket

	// rooms 由 hub.mu 保護
	rooms []string

	closeOnce sync.Once
}

// ctx 事件處理用的 context，帶有 conn_id
func (c *Client) ctx() context.Context {
	return logger.WithConnID(context.Background(), c.ID)
}

// enqueue 非阻塞送入緩衝區，呼叫者需持有 hub.mu（讀或寫）
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend 關閉送出 channel，呼叫者需持有 hub.mu 寫鎖
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump 讀取客戶端事件
//
// 心跳：writePump 每 PingPeriod 送出 Ping，收到 Pong 時延長讀取期限
// PongWait；期限內沒有任何訊息即視為斷線。
//
// 讀取失敗時依序：分派 disconnecting（訂閱仍在）→ 移除連線 → 分派 disconnect。
func (c *Client) readPump() {
	hub := c.hub
	defer func() {
		hub.dispatch(c, Envelope{Event: EventDisconnecting})
		hub.unregister(c)
		_ = c.conn.Close()
		hub.dispatch(c, Envelope{Event: EventDisconnect})
		hub.logger.Info("websocket disconnected", "conn_id", c.ID)
		hub.wg.Done()
	}()

	c.conn.SetReadLimit(hub.opts.MaxMessageBytes)
	if err := c.conn.SetReadDeadline(time.Now().Add(hub.opts.PongWait)); err != nil {
		hub.logger.Error("failed to set read deadline", "conn_id", c.ID, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hub.opts.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				hub.logger.Warn("websocket read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleMessage(data)
	}
}

// handleMessage 解析並分派一則文字訊息
func (c *Client) handleMessage(data []byte) {
	hub := c.hub

	if !c.limiter.Allow() {
		hub.reject(c, apperrors.ErrRateLimited)
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		hub.reject(c, apperrors.Wrap(err, apperrors.ErrCodeMalformed, "invalid event envelope"))
		return
	}
	switch env.Event {
	case "":
		hub.reject(c, apperrors.ErrMalformed.WithDetails("event is required"))
		return
	case EventDisconnecting, EventDisconnect:
		// 保留給 Hub 使用
		hub.reject(c, apperrors.ErrMalformed.WithDetails("reserved event "+env.Event))
		return
	}

	hub.dispatch(c, env)
}

// writePump 把緩衝區中的訊息寫到連線，並定期送出 Ping
func (c *Client) writePump() {
	hub := c.hub
	ticker := time.NewTicker(hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		hub.wg.Done()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(hub.opts.WriteWait)); err != nil {
				return
			}
			if !ok {
				// Hub 已移除連線
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logWriteError(err)
				return
			}

			// 一次寫完緩衝區中已排隊的訊息
			n := len(c.send)
			for i := 0; i < n; i++ {
				data, ok := <-c.send
				if !ok {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					c.logWriteError(err)
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(hub.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) logWriteError(err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	c.hub.logger.Debug("websocket write failed", "conn_id", c.ID, "error", err)
}
