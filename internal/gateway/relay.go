package gateway

import (
	"context"
	"encoding/json"

	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
)

// relay 轉送 WebRTC 信令（offer / answer / candidate）給單一目標
//
// 內容不解析，附上發送者 ID 後原樣送出。目標不存在時回報 NOT_FOUND，
// 不送出任何訊息。
func (g *Gateway) relay(event string) handlerFunc {
	return func(ctx context.Context, connID string, data json.RawMessage) error {
		var req relayRequest
		if err := g.decode(data, &req); err != nil {
			return err
		}
		if !g.dir.Exists(req.SocketID) {
			return apperrors.ErrPlayerNotFound
		}

		g.dir.SendTo(req.SocketID, event, Relayed{SocketID: connID, Message: req.Message})
		return nil
	}
}
