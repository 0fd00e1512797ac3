package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"
)

// ListingFileExt 上架檔案的副檔名
const ListingFileExt = ".iger"

// ModerationClient 把上架申請轉送到審核頻道（Discord 相容 webhook）
type ModerationClient struct {
	webhookURL string
	botToken   string
	client     *http.Client
	newName    func() string
}

// NewModerationClient 建立審核客戶端
func NewModerationClient(webhookURL, botToken string, timeout time.Duration) *ModerationClient {
	return &ModerationClient{
		webhookURL: webhookURL,
		botToken:   botToken,
		client:     newHTTPClient(timeout),
		newName:    func() string { return uuid.NewString() + ListingFileExt },
	}
}

// RequestListing 送出上架申請；檔名改為隨機 UUID
func (c *ModerationClient) RequestListing(ctx context.Context, name string, file []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payload, err := json.Marshal(map[string]string{"content": "New Listing Request: " + name})
	if err != nil {
		return failure("request listing", err)
	}
	if err := w.WriteField("payload_json", string(payload)); err != nil {
		return failure("request listing", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="files[0]"; filename="`+c.newName()+`"`)
	header.Set("Content-Type", "application/octet-stream")
	part, err := w.CreatePart(header)
	if err != nil {
		return failure("request listing", err)
	}
	if _, err := part.Write(file); err != nil {
		return failure("request listing", err)
	}
	if err := w.Close(); err != nil {
		return failure("request listing", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.webhookURL, &buf)
	if err != nil {
		return failure("request listing", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bot "+c.botToken)

	return doJSON(ctx, c.client, "request listing", req, nil)
}
