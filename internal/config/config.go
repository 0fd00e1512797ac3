// Package config 載入服務設定
//
// 載入順序：預設值 → YAML 檔案 → SIGNAL_ 前綴的環境變數 → Validate。
// YAML 只覆蓋檔案中出現的欄位，環境變數只覆蓋有設定的欄位。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Kinggodhoon/i-hear-you-backend/internal/ratelimit"
)

// EnvPrefix 環境變數前綴，例如 SIGNAL_REDIS_ADDR
const EnvPrefix = "SIGNAL"

// 執行環境
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// 房間過期策略
const (
	// ExpiryFixed 建立時設定一次 TTL，之後不再延長
	ExpiryFixed = "fixed"
	// ExpiryIdle 每次成員異動都重新設定 TTL
	ExpiryIdle = "idle"
)

// 儲存後端
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config 整個應用的配置
type Config struct {
	App           App           `yaml:"app" envconfig:"APP"`
	Redis         Redis         `yaml:"redis" envconfig:"REDIS"`
	Store         Store         `yaml:"store" envconfig:"STORE"`
	Room          Room          `yaml:"room" envconfig:"ROOM"`
	WS            WS            `yaml:"ws" envconfig:"WS"`
	HTTPRateLimit HTTPRateLimit `yaml:"http_rate_limit" envconfig:"HTTP_RATE_LIMIT"`
	Turn          Turn          `yaml:"turn" envconfig:"TURN"`
	CDN           CDN           `yaml:"cdn" envconfig:"CDN"`
	Moderation    Moderation    `yaml:"moderation" envconfig:"MODERATION"`
	Log           Log           `yaml:"log" envconfig:"LOG"`
}

// App 程序層級設定
type App struct {
	Env             string        `yaml:"env" envconfig:"ENV"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Redis 連線設定
type Redis struct {
	Addr         string        `yaml:"addr" envconfig:"ADDR"`
	Password     string        `yaml:"password" envconfig:"PASSWORD"`
	DB           int           `yaml:"db" envconfig:"DB"`
	PoolSize     int           `yaml:"pool_size" envconfig:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" envconfig:"MIN_IDLE_CONNS"`
	MaxRetries   int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	DialTimeout  time.Duration `yaml:"dial_timeout" envconfig:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	// OpTimeout 每次儲存操作的 context 上限
	OpTimeout time.Duration `yaml:"op_timeout" envconfig:"OP_TIMEOUT"`
}

// Store 房間儲存設定
type Store struct {
	Driver string `yaml:"driver" envconfig:"DRIVER"`
}

// Room 房間規則
type Room struct {
	DefaultMaxPlayers int           `yaml:"default_max_players" envconfig:"DEFAULT_MAX_PLAYERS"`
	MaxPlayersLimit   int           `yaml:"max_players_limit" envconfig:"MAX_PLAYERS_LIMIT"`
	TTL               time.Duration `yaml:"ttl" envconfig:"TTL"`
	ExpiryMode        string        `yaml:"expiry_mode" envconfig:"EXPIRY_MODE"`
}

// WS WebSocket 設定
type WS struct {
	ReadBufferSize  int       `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int       `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	SendBufferSize  int       `yaml:"send_buffer_size" envconfig:"SEND_BUFFER_SIZE"`
	MaxMessageBytes int64     `yaml:"max_message_bytes" envconfig:"MAX_MESSAGE_BYTES"`
	AllowedOrigins  []string  `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit       RateLimit `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimit 令牌桶參數
type RateLimit struct {
	Capacity        int     `yaml:"capacity" envconfig:"CAPACITY"`
	RefillPerSecond float64 `yaml:"refill_per_second" envconfig:"REFILL_PER_SECOND"`
}

// HTTPRateLimit HTTP 分散式限流設定
type HTTPRateLimit struct {
	Enabled         bool    `yaml:"enabled" envconfig:"ENABLED"`
	Capacity        int     `yaml:"capacity" envconfig:"CAPACITY"`
	RefillPerSecond float64 `yaml:"refill_per_second" envconfig:"REFILL_PER_SECOND"`
	KeyPrefix       string  `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	// TrustedProxies 可信任的反向代理（CIDR 或單一 IP），只有來自這些位址的 X-Forwarded-For 才採信
	TrustedProxies []string `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
}

// Turn TURN 憑證服務設定
type Turn struct {
	BaseURL       string        `yaml:"base_url" envconfig:"BASE_URL"`
	SecretKey     string        `yaml:"secret_key" envconfig:"SECRET_KEY"`
	ExpirySeconds int           `yaml:"expiry_seconds" envconfig:"EXPIRY_SECONDS"`
	CacheMargin   time.Duration `yaml:"cache_margin" envconfig:"CACHE_MARGIN"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// CDN 題庫地圖 metadata 來源
type CDN struct {
	BaseURL      string `yaml:"base_url" envconfig:"BASE_URL"`
	MetadataPath string `yaml:"metadata_path" envconfig:"METADATA_PATH"`
	// CacheTTL 為 0 時快取到手動失效為止
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	// AdminToken 手動清除快取用的 Bearer token，空白時停用該路由
	AdminToken string `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
}

// Moderation 上架申請轉送設定
type Moderation struct {
	WebhookURL     string        `yaml:"webhook_url" envconfig:"WEBHOOK_URL"`
	BotToken       string        `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" envconfig:"MAX_UPLOAD_BYTES"`
	Timeout        time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// Log 日誌設定
type Log struct {
	Level     string `yaml:"level" envconfig:"LEVEL"`
	Format    string `yaml:"format" envconfig:"FORMAT"`
	Output    string `yaml:"output" envconfig:"OUTPUT"`
	AddSource bool   `yaml:"add_source" envconfig:"ADD_SOURCE"`
}

// Default 回傳預設設定
func Default() Config {
	return Config{
		App: App{
			Env:             EnvDevelopment,
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: Redis{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MinIdleConns: 5,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			OpTimeout:    2 * time.Second,
		},
		Store: Store{Driver: DriverRedis},
		Room: Room{
			DefaultMaxPlayers: 8,
			MaxPlayersLimit:   32,
			TTL:               time.Hour,
			ExpiryMode:        ExpiryFixed,
		},
		WS: WS{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendBufferSize:  256,
			MaxMessageBytes: 64 * 1024,
			RateLimit: RateLimit{
				Capacity:        50,
				RefillPerSecond: 20,
			},
		},
		HTTPRateLimit: HTTPRateLimit{
			Enabled:         true,
			Capacity:        60,
			RefillPerSecond: 1,
			KeyPrefix:       "ratelimit:http",
		},
		Turn: Turn{
			ExpirySeconds: 14400,
			CacheMargin:   time.Minute,
			Timeout:       5 * time.Second,
		},
		CDN: CDN{
			MetadataPath: "metadata.json",
			Timeout:      5 * time.Second,
		},
		Moderation: Moderation{
			MaxUploadBytes: 8 << 20,
			Timeout:        10 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load 從 YAML 檔案與環境變數載入設定
//
// path 為空時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - 路徑來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.App.Env = normalizeEnv(cfg.App.Env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeEnv 接受舊設定中的 "prod"/"dev" 縮寫
func normalizeEnv(env string) string {
	switch strings.ToLower(env) {
	case "prod", "production":
		return EnvProduction
	case "", "dev", "development":
		return EnvDevelopment
	default:
		return strings.ToLower(env)
	}
}

// Validate 檢查設定是否合理
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.App.Port <= 0 || c.App.Port > 65535 {
		add("app.port must be in 1..65535, got %d", c.App.Port)
	}
	switch c.Store.Driver {
	case DriverRedis:
		if c.Redis.Addr == "" {
			add("redis.addr is required when store.driver is redis")
		}
	case DriverMemory:
	default:
		add("store.driver must be %q or %q, got %q", DriverRedis, DriverMemory, c.Store.Driver)
	}
	if c.Redis.OpTimeout <= 0 {
		add("redis.op_timeout must be positive")
	}
	if c.Room.DefaultMaxPlayers < 1 {
		add("room.default_max_players must be >= 1")
	}
	if c.Room.MaxPlayersLimit < c.Room.DefaultMaxPlayers {
		add("room.max_players_limit (%d) must be >= room.default_max_players (%d)",
			c.Room.MaxPlayersLimit, c.Room.DefaultMaxPlayers)
	}
	if c.Room.TTL <= 0 {
		add("room.ttl must be positive")
	}
	if c.Room.ExpiryMode != ExpiryFixed && c.Room.ExpiryMode != ExpiryIdle {
		add("room.expiry_mode must be %q or %q, got %q", ExpiryFixed, ExpiryIdle, c.Room.ExpiryMode)
	}
	if c.WS.SendBufferSize < 1 {
		add("ws.send_buffer_size must be >= 1")
	}
	if c.WS.MaxMessageBytes < 1 {
		add("ws.max_message_bytes must be >= 1")
	}
	if c.WS.RateLimit.Capacity < 1 || c.WS.RateLimit.RefillPerSecond <= 0 {
		add("ws.rate_limit capacity and refill_per_second must be positive")
	}
	if c.HTTPRateLimit.Enabled && (c.HTTPRateLimit.Capacity < 1 || c.HTTPRateLimit.RefillPerSecond <= 0) {
		add("http_rate_limit capacity and refill_per_second must be positive")
	}
	if _, err := ratelimit.ParseTrustedProxies(c.HTTPRateLimit.TrustedProxies); err != nil {
		add("http_rate_limit.trusted_proxies: %v", err)
	}
	if c.Turn.ExpirySeconds > 0 && time.Duration(c.Turn.ExpirySeconds)*time.Second <= c.Turn.CacheMargin {
		add("turn.cache_margin must be shorter than turn.expiry_seconds")
	}
	if c.Moderation.MaxUploadBytes < 1 {
		add("moderation.max_upload_bytes must be >= 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction 是否為正式環境（控制錯誤訊息遮蔽）
func (c *Config) IsProduction() bool {
	return c.App.Env == EnvProduction
}

// Addr HTTP 監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}
