package upstream

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Quizmap 題庫地圖 metadata
type Quizmap struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	QuizCount    int    `json:"quizCount"`
	Thumbnail    string `json:"thumbnail"`
	DownloadLink string `json:"downloadLink"`
}

// QuizmapClient 從 CDN 讀取題庫地圖清單
type QuizmapClient struct {
	endpoint string
	client   *http.Client
}

// NewQuizmapClient 建立客戶端；清單位於 {baseURL}/{metadataPath}
func NewQuizmapClient(baseURL, metadataPath string, timeout time.Duration) *QuizmapClient {
	return &QuizmapClient{
		endpoint: strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(metadataPath, "/"),
		client:   newHTTPClient(timeout),
	}
}

// List 取得題庫地圖清單
func (c *QuizmapClient) List(ctx context.Context) ([]Quizmap, error) {
	req, err := http.NewRequest(http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, failure("list quizmaps", err)
	}

	var maps []Quizmap
	if err := doJSON(ctx, c.client, "list quizmaps", req, &maps); err != nil {
		return nil, err
	}
	if maps == nil {
		maps = []Quizmap{}
	}
	return maps, nil
}
