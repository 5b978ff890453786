package gateway

import (
	"strings"
	"testing"
	"time"
)

// envMap はテスト用の環境変数。
func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

// TestLoadConfig は環境変数からの設定読み込みを検証する。
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("未設定の場合はデフォルト値になること", func(t *testing.T) {
		t.Parallel()

		cfg, err := loadConfig(envMap(nil))
		if err != nil {
			t.Fatalf("loadConfig()でエラーが発生: %v", err)
		}
		if cfg.Port != "8080" || cfg.StoreBackend != BackendMemory {
			t.Errorf("port=%q backend=%q", cfg.Port, cfg.StoreBackend)
		}
		if cfg.OffHoursStart != 22 || cfg.OffHoursEnd != 6 || cfg.OffHoursDisabled {
			t.Errorf("off hours = %d-%d disabled=%v", cfg.OffHoursStart, cfg.OffHoursEnd, cfg.OffHoursDisabled)
		}
		if cfg.TelemetryQueueSize != 1024 || cfg.TelemetryWorkers != 2 {
			t.Errorf("telemetry = %d/%d", cfg.TelemetryQueueSize, cfg.TelemetryWorkers)
		}
		if cfg.ShutdownTimeout != 10*time.Second || cfg.NegativeCacheTTL != 0 {
			t.Errorf("shutdown=%v negative=%v", cfg.ShutdownTimeout, cfg.NegativeCacheTTL)
		}
		if cfg.JWTSecret != "" {
			t.Errorf("JWTSecret = %q, want empty", cfg.JWTSecret)
		}
		if len(cfg.AdminOrigins) != 1 || cfg.AdminOrigins[0] != "http://localhost:3000" {
			t.Errorf("AdminOrigins = %v", cfg.AdminOrigins)
		}
		if cfg.BackendTimeout != 30*time.Second {
			t.Errorf("BackendTimeout = %v, want 30s", cfg.BackendTimeout)
		}
		if cfg.TrustedProxies != nil {
			t.Errorf("TrustedProxies = %v, want nil", cfg.TrustedProxies)
		}
	})

	t.Run("型付きの値が読み込まれること", func(t *testing.T) {
		t.Parallel()

		cfg, err := loadConfig(envMap(map[string]string{
			"PORT":                "9090",
			"STORE_BACKEND":       "Redis",
			"REDIS_ADDR":          "redis:6379",
			"REDIS_DB":            "3",
			"NEGATIVE_CACHE_TTL":  "30s",
			"OFF_HOURS_START":     "20",
			"OFF_HOURS_END":       "7",
			"OFF_HOURS_DISABLED":  "true",
			"JWT_SECRET":          "s3cret",
			"ADMIN_ALLOW_ORIGINS": "https://a.example, ,https://b.example",
			"SHUTDOWN_TIMEOUT":    "3s",
			"BACKEND_TIMEOUT":     "5s",
			"TRUSTED_PROXIES":     "10.0.0.0/8, 192.168.1.10",
		}))
		if err != nil {
			t.Fatalf("loadConfig()でエラーが発生: %v", err)
		}
		if cfg.Port != "9090" || cfg.StoreBackend != BackendRedis || cfg.RedisAddr != "redis:6379" || cfg.RedisDB != 3 {
			t.Errorf("cfg = %+v", cfg)
		}
		if cfg.NegativeCacheTTL != 30*time.Second || cfg.ShutdownTimeout != 3*time.Second {
			t.Errorf("durations = %v/%v", cfg.NegativeCacheTTL, cfg.ShutdownTimeout)
		}
		if cfg.OffHoursStart != 20 || cfg.OffHoursEnd != 7 || !cfg.OffHoursDisabled {
			t.Errorf("off hours = %d-%d disabled=%v", cfg.OffHoursStart, cfg.OffHoursEnd, cfg.OffHoursDisabled)
		}
		if cfg.JWTSecret != "s3cret" {
			t.Errorf("JWTSecret = %q", cfg.JWTSecret)
		}
		if len(cfg.AdminOrigins) != 2 || cfg.AdminOrigins[1] != "https://b.example" {
			t.Errorf("AdminOrigins = %v", cfg.AdminOrigins)
		}
		if cfg.BackendTimeout != 5*time.Second {
			t.Errorf("BackendTimeout = %v, want 5s", cfg.BackendTimeout)
		}
		if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" || cfg.TrustedProxies[1] != "192.168.1.10" {
			t.Errorf("TrustedProxies = %v", cfg.TrustedProxies)
		}
	})

	t.Run("DEV_MODEでJWT_SECRETが未設定の場合は開発用の鍵が使われること", func(t *testing.T) {
		t.Parallel()

		cfg, err := loadConfig(envMap(map[string]string{"DEV_MODE": "1"}))
		if err != nil {
			t.Fatalf("loadConfig()でエラーが発生: %v", err)
		}
		if !cfg.DevMode || cfg.JWTSecret != devJWTSecret {
			t.Errorf("DevMode=%v JWTSecret=%q", cfg.DevMode, cfg.JWTSecret)
		}
	})

	t.Run("不正な値はすべてエラーに含まれること", func(t *testing.T) {
		t.Parallel()

		_, err := loadConfig(envMap(map[string]string{
			"STORE_BACKEND":        "postgres",
			"TELEMETRY_WORKERS":    "many",
			"OFF_HOURS_START":      "24",
			"NEGATIVE_CACHE_TTL":   "soon",
			"DEV_MODE":             "maybe",
			"TELEMETRY_QUEUE_SIZE": "0",
			"BACKEND_TIMEOUT":      "0s",
			"TRUSTED_PROXIES":      "10.0.0.0/8,proxy.internal",
		}))
		if err == nil {
			t.Fatal("エラーが返されなかった")
		}
		for _, key := range []string{"STORE_BACKEND", "TELEMETRY_WORKERS", "OFF_HOURS_START", "NEGATIVE_CACHE_TTL", "DEV_MODE", "TELEMETRY_QUEUE_SIZE", "BACKEND_TIMEOUT", "proxy.internal"} {
			if !strings.Contains(err.Error(), key) {
				t.Errorf("エラーに %s が含まれていない: %v", key, err)
			}
		}
	})

	t.Run("BACKEND_URLが絶対URLでない場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := loadConfig(envMap(map[string]string{"BACKEND_URL": "backend:3211/api"}))
		if err == nil || !strings.Contains(err.Error(), "BACKEND_URL") {
			t.Errorf("err = %v, want BACKEND_URL error", err)
		}
	})
}
