package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credential TURN 服務核發的憑證
type Credential struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ExpiryInSeconds int    `json:"expiryInSeconds"`
	Label           string `json:"label,omitempty"`
	APIKey          string `json:"apiKey"`
}

// IceServer WebRTC ICE 伺服器
type IceServer struct {
	URLs     string `json:"urls"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// TurnConfig TURN 客戶端設定
type TurnConfig struct {
	BaseURL       string
	SecretKey     string
	ExpirySeconds int
	Timeout       time.Duration
}

// TurnClient Metered 相容的 TURN 憑證客戶端
type TurnClient struct {
	cfg    TurnConfig
	client *http.Client
}

// NewTurnClient 建立 TURN 客戶端
func NewTurnClient(cfg TurnConfig) *TurnClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &TurnClient{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

// ExpirySeconds 新憑證的有效秒數
func (c *TurnClient) ExpirySeconds() int {
	return c.cfg.ExpirySeconds
}

// GenerateCredential 申請一組新憑證
func (c *TurnClient) GenerateCredential(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(map[string]int{"expiryInSeconds": c.cfg.ExpirySeconds})
	if err != nil {
		return Credential{}, failure("generate credential", err)
	}

	endpoint := c.cfg.BaseURL + "/credential?" + url.Values{"secretKey": {c.cfg.SecretKey}}.Encode()
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Credential{}, failure("generate credential", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var cred Credential
	if err := doJSON(ctx, c.client, "generate credential", req, &cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// IceServers 以憑證的 API key 取得 ICE 伺服器清單
func (c *TurnClient) IceServers(ctx context.Context, apiKey string) ([]IceServer, error) {
	endpoint := c.cfg.BaseURL + "/credentials?" + url.Values{"apiKey": {apiKey}}.Encode()
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, failure("list ice servers", err)
	}

	var servers []IceServer
	if err := doJSON(ctx, c.client, "list ice servers", req, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}
