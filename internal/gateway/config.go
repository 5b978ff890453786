package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアのバックエンド種別。
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendRemote = "remote"
)

// devJWTSecret はDEV_MODEでJWT_SECRETが未設定の場合に使う署名鍵。
const devJWTSecret = "dev-secret-key"

// Config はgatewayサービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// StoreBackend はクレデンシャルストアの種別（memory/sqlite/redis/remote）。
	StoreBackend string
	SQLiteDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// BackendURL は業務APIとリモートストアの転送先。
	BackendURL string
	// BackendDeployKey はバックエンド呼び出しに付与するデプロイキー。
	BackendDeployKey string
	// BackendTimeout は転送とリモートストアの呼び出しのタイムアウト。
	BackendTimeout time.Duration

	// NegativeCacheTTL は未登録キーの検証結果を保持する時間。0で無効。
	NegativeCacheTTL time.Duration

	TelemetryQueueSize int
	TelemetryWorkers   int

	OffHoursStart    int
	OffHoursEnd      int
	OffHoursDisabled bool

	// JWTSecret は管理APIのJWT署名鍵。空の場合は管理APIを公開しない。
	JWTSecret string
	// DevMode がtrueの場合は開発用トークンの発行を有効にする。
	DevMode bool
	// AdminOrigins は管理APIへのCORSを許可するオリジン。
	AdminOrigins []string
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシのIPまたはCIDR。
	// 空の場合は転送ヘッダーを無視し、接続元のアドレスをクライアントIPとする。
	TrustedProxies []string

	OTLPEndpoint    string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() (Config, error) {
	return loadConfig(os.Getenv)
}

// loadConfig は指定された取得関数で設定を読み込む。不正な値はまとめてエラーにする。
func loadConfig(getenv func(string) string) (Config, error) {
	p := envParser{getenv: getenv}

	cfg := Config{
		Port:               p.str("PORT", "8080"),
		StoreBackend:       strings.ToLower(p.str("STORE_BACKEND", BackendMemory)),
		SQLiteDSN:          p.str("SQLITE_DSN", "/data/tradegate.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"),
		RedisAddr:          p.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getenv("REDIS_PASSWORD"),
		RedisDB:            p.integer("REDIS_DB", 0),
		BackendURL:         p.str("BACKEND_URL", "http://localhost:3211"),
		BackendDeployKey:   getenv("BACKEND_DEPLOY_KEY"),
		BackendTimeout:     p.duration("BACKEND_TIMEOUT", 30*time.Second),
		NegativeCacheTTL:   p.duration("NEGATIVE_CACHE_TTL", 0),
		TelemetryQueueSize: p.integer("TELEMETRY_QUEUE_SIZE", 1024),
		TelemetryWorkers:   p.integer("TELEMETRY_WORKERS", 2),
		OffHoursStart:      p.integer("OFF_HOURS_START", 22),
		OffHoursEnd:        p.integer("OFF_HOURS_END", 6),
		OffHoursDisabled:   p.boolean("OFF_HOURS_DISABLED", false),
		JWTSecret:          getenv("JWT_SECRET"),
		DevMode:            p.boolean("DEV_MODE", false),
		AdminOrigins:       p.list("ADMIN_ALLOW_ORIGINS", []string{"http://localhost:3000"}),
		TrustedProxies:     p.list("TRUSTED_PROXIES", nil),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT"),
		LogLevel:           p.str("LOG_LEVEL", "info"),
		ShutdownTimeout:    p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	switch cfg.StoreBackend {
	case BackendMemory, BackendSQLite, BackendRedis, BackendRemote:
	default:
		p.fail("STORE_BACKEND", cfg.StoreBackend, "memory, sqlite, redis, remote のいずれかを指定してください")
	}
	if cfg.RedisDB < 0 {
		p.fail("REDIS_DB", strconv.Itoa(cfg.RedisDB), "0以上を指定してください")
	}
	if cfg.NegativeCacheTTL < 0 {
		p.fail("NEGATIVE_CACHE_TTL", cfg.NegativeCacheTTL.String(), "0以上を指定してください")
	}
	if cfg.TelemetryQueueSize < 1 {
		p.fail("TELEMETRY_QUEUE_SIZE", strconv.Itoa(cfg.TelemetryQueueSize), "1以上を指定してください")
	}
	if cfg.TelemetryWorkers < 1 {
		p.fail("TELEMETRY_WORKERS", strconv.Itoa(cfg.TelemetryWorkers), "1以上を指定してください")
	}
	for _, h := range []struct {
		key   string
		value int
	}{{"OFF_HOURS_START", cfg.OffHoursStart}, {"OFF_HOURS_END", cfg.OffHoursEnd}} {
		if h.value < 0 || h.value > 23 {
			p.fail(h.key, strconv.Itoa(h.value), "0から23の時刻を指定してください")
		}
	}
	if cfg.ShutdownTimeout <= 0 {
		p.fail("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout.String(), "正の時間を指定してください")
	}
	if u, err := url.Parse(cfg.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		p.fail("BACKEND_URL", cfg.BackendURL, "絶対URL（例: https://backend.example）を指定してください")
	}
	if cfg.BackendTimeout <= 0 {
		p.fail("BACKEND_TIMEOUT", cfg.BackendTimeout.String(), "正の時間を指定してください")
	}
	for _, proxy := range cfg.TrustedProxies {
		if !validProxy(proxy) {
			p.fail("TRUSTED_PROXIES", proxy, "IPアドレスまたはCIDRを指定してください")
		}
	}
	if cfg.JWTSecret == "" && cfg.DevMode {
		cfg.JWTSecret = devJWTSecret
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	return cfg, nil
}

// validProxy はgin.Engine.SetTrustedProxiesが受け付ける形式かどうかを返す。
func validProxy(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}

// envParser は型付きで環境変数を読み、失敗を蓄積する。
type envParser struct {
	getenv func(string) string
	errs   []error
}

func (p *envParser) fail(key, value, reason string) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %s", key, value, reason))
}

// str は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func (p *envParser) str(key, defaultValue string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// list はカンマ区切りの値を空要素を除いて返す。
func (p *envParser) list(key string, defaultValue []string) []string {
	var out []string
	for _, v := range strings.Split(p.getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func (p *envParser) integer(key string, defaultValue int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, "整数を指定してください")
		return defaultValue
	}
	return n
}

func (p *envParser) boolean(key string, defaultValue bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, "true または false を指定してください")
		return defaultValue
	}
	return b
}

func (p *envParser) duration(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, "時間（例: 30s）を指定してください")
		return defaultValue
	}
	return d
}
