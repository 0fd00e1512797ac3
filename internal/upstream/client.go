// Package upstream 外部 HTTP 服務的客戶端
//
// 包含 TURN 憑證服務、題庫地圖 CDN、上架申請的審核 webhook。
// 所有失敗都包成 UPSTREAM_FAILURE，呼叫者不需判斷底層錯誤。
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/Kinggodhoon/i-hear-you-backend/pkg/errors"
)

// maxResponseBytes 上游回應大小上限
const maxResponseBytes = 4 << 20

// newHTTPClient timeout <= 0 時使用 10 秒
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// doJSON 送出請求並把 2xx 回應解析到 out
func doJSON(ctx context.Context, client *http.Client, op string, req *http.Request, out any) error {
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return failure(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return failure(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func failure(op string, err error) error {
	return apperrors.Wrap(err, apperrors.ErrCodeUpstream, op+" failed")
}
