package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DevSessionSecret 仅用于本地开发，生产环境必须设置 SESSION_SECRET
const DevSessionSecret = "z-live-dev-secret"

// Config 聚合整个服务的配置项。
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Storage     StorageConfig
	Auth        AuthConfig
	Chat        ChatConfig
	PrivateChat PrivateChatConfig
	Billing     BillingConfig
	Wallet      WalletConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	private, err := loadPrivateChatConfig()
	if err != nil {
		return nil, err
	}

	billing, err := loadBillingConfig()
	if err != nil {
		return nil, err
	}

	wallet, err := loadWalletConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:      server,
		Log:         loadLogConfig(),
		Storage:     storage,
		Auth:        auth,
		Chat:        chat,
		PrivateChat: private,
		Billing:     billing,
		Wallet:      wallet,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig 日志级别与输出格式
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

// StorageConfig 选择存储后端：memory 或 sqlite
type StorageConfig struct {
	Driver   string
	DSN      string
	SeedDemo bool
}

func loadStorageConfig() (StorageConfig, error) {
	seed, err := parseBoolEnv("SEED_DEMO_DATA", true)
	if err != nil {
		return StorageConfig{}, err
	}

	url := getEnvOrDefault("DATABASE_URL", "memory")
	if url == "memory" {
		return StorageConfig{Driver: "memory", SeedDemo: seed}, nil
	}
	return StorageConfig{Driver: "sqlite3", DSN: strings.TrimPrefix(url, "sqlite://"), SeedDemo: seed}, nil
}

// AuthConfig 会话凭证签名配置
type AuthConfig struct {
	SessionSecret string
	SessionTTL    time.Duration
	// InternalSecret 保护 /internal 回调，为空时不挂载
	InternalSecret string
}

// UsingDevSecret 表示未配置正式密钥。
func (c AuthConfig) UsingDevSecret() bool {
	return c.SessionSecret == DevSessionSecret
}

func loadAuthConfig() (AuthConfig, error) {
	ttl, err := parseDurationEnv("SESSION_TTL", 15*time.Minute)
	if err != nil {
		return AuthConfig{}, err
	}
	if ttl <= 0 {
		return AuthConfig{}, fmt.Errorf("invalid SESSION_TTL value %q: must be positive", ttl)
	}

	return AuthConfig{
		SessionSecret:  getEnvOrDefault("SESSION_SECRET", DevSessionSecret),
		SessionTTL:     ttl,
		InternalSecret: getEnvOrDefault("INTERNAL_SECRET", ""),
	}, nil
}

// ChatConfig 公共频道限流与门槛
type ChatConfig struct {
	RateLimit     int
	RateWindow    time.Duration
	Debounce      time.Duration
	MinBalance    decimal.Decimal
	SnowflakeNode int64
}

func loadChatConfig() (ChatConfig, error) {
	limit := 20
	if override, err := parseOptionalIntEnv("CHAT_RATE_LIMIT"); err != nil {
		return ChatConfig{}, err
	} else if override != nil {
		if *override < 1 {
			limit = 1
		} else {
			limit = *override
		}
	}

	window, err := parseDurationEnv("CHAT_RATE_WINDOW", 60*time.Second)
	if err != nil {
		return ChatConfig{}, err
	}

	debounce, err := parseDurationEnv("CHAT_DEBOUNCE", 500*time.Millisecond)
	if err != nil {
		return ChatConfig{}, err
	}

	minBalance, err := parseDecimalEnv("CHAT_MIN_BALANCE", decimal.Zero)
	if err != nil {
		return ChatConfig{}, err
	}

	node := int64(1)
	if override, err := parseOptionalIntEnv("SNOWFLAKE_NODE"); err != nil {
		return ChatConfig{}, err
	} else if override != nil {
		// snowflake 默认 10 位节点号
		if *override < 0 || *override > 1023 {
			return ChatConfig{}, fmt.Errorf("invalid SNOWFLAKE_NODE value %d: must be within 0-1023", *override)
		}
		node = int64(*override)
	}

	return ChatConfig{
		RateLimit:     limit,
		RateWindow:    window,
		Debounce:      debounce,
		MinBalance:    minBalance,
		SnowflakeNode: node,
	}, nil
}

// PrivateChatConfig 私信请求过期与清理
type PrivateChatConfig struct {
	RequestTTL    time.Duration
	SweepInterval time.Duration
}

func loadPrivateChatConfig() (PrivateChatConfig, error) {
	ttl, err := parseDurationEnv("CHAT_REQUEST_TTL", 7*24*time.Hour)
	if err != nil {
		return PrivateChatConfig{}, err
	}

	sweep, err := parseDurationEnv("CHAT_REQUEST_SWEEP", time.Hour)
	if err != nil {
		return PrivateChatConfig{}, err
	}

	return PrivateChatConfig{RequestTTL: ttl, SweepInterval: sweep}, nil
}

// BillingConfig 计费窗口、费率与低余额阈值
type BillingConfig struct {
	TokensPerWindow     decimal.Decimal
	Window              time.Duration
	LowBalanceThreshold decimal.Decimal
}

func loadBillingConfig() (BillingConfig, error) {
	rate, err := parseDecimalEnv("BILLING_TOKENS_PER_WINDOW", decimal.NewFromInt(5))
	if err != nil {
		return BillingConfig{}, err
	}
	if !rate.IsPositive() {
		return BillingConfig{}, fmt.Errorf("invalid BILLING_TOKENS_PER_WINDOW value %q: must be positive", rate)
	}

	window, err := parseDurationEnv("BILLING_WINDOW", 60*time.Second)
	if err != nil {
		return BillingConfig{}, err
	}
	if window < time.Second {
		return BillingConfig{}, fmt.Errorf("invalid BILLING_WINDOW value %q: must be at least 1s", window)
	}

	low, err := parseDecimalEnv("BILLING_LOW_BALANCE", decimal.NewFromInt(10))
	if err != nil {
		return BillingConfig{}, err
	}

	return BillingConfig{TokensPerWindow: rate, Window: window, LowBalanceThreshold: low}, nil
}

// WalletConfig 开发用内存钱包配置
type WalletConfig struct {
	CreatorShare decimal.Decimal
	SeedBalance  decimal.Decimal
}

func loadWalletConfig() (WalletConfig, error) {
	share, err := parseDecimalEnv("WALLET_CREATOR_SHARE", decimal.NewFromInt(1))
	if err != nil {
		return WalletConfig{}, err
	}
	if share.IsNegative() || share.GreaterThan(decimal.NewFromInt(1)) {
		return WalletConfig{}, fmt.Errorf("invalid WALLET_CREATOR_SHARE value %q: must be within 0-1", share)
	}

	seed, err := parseDecimalEnv("WALLET_SEED_BALANCE", decimal.NewFromInt(100))
	if err != nil {
		return WalletConfig{}, err
	}

	return WalletConfig{CreatorShare: share, SeedBalance: seed}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 支持 "90s"、"15m" 等写法，纯数字按秒处理
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return val, nil
}

func parseDecimalEnv(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}

	val, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return val, nil
}
