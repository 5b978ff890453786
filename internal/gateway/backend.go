package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/tradegate/internal/store"
	"github.com/nao1215/tradegate/pkg/apiauth"
	"github.com/nao1215/tradegate/pkg/httpclient"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

// negativeCacheEntries はネガティブキャッシュが記憶するダイジェストの最大数。
const negativeCacheEntries = 100000

// Backend は設定に従って開いたクレデンシャルストアと、そのセキュリティイベントの記録先。
type Backend struct {
	// Store はGuardが使うストア。ネガティブキャッシュが有効な場合はラップ済み。
	Store apiauth.CredentialStore
	// Sink はストア自身のイベント記録。記録に対応しない場合はnil。
	Sink telemetry.Sink

	closers []func() error
}

// OpenBackend はSTORE_BACKENDに応じたストアを開く。
func OpenBackend(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	b := &Backend{}
	opts := []store.Option{store.WithLogger(logger)}

	var st apiauth.CredentialStore
	switch cfg.StoreBackend {
	case BackendMemory:
		st = store.NewMemoryStore(opts...)
	case BackendSQLite:
		s, err := store.OpenSQLite(ctx, cfg.SQLiteDSN, opts...)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, s.Close)
		st = s
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
		}
		s := store.NewRedisStore(client, opts...)
		b.closers = append(b.closers, s.Close)
		st = s
	case BackendRemote:
		st = store.NewRemoteStore(newBackendClient(cfg))
	default:
		return nil, fmt.Errorf("未対応のストアです: %s", cfg.StoreBackend)
	}

	if sink, ok := st.(telemetry.Sink); ok {
		b.Sink = sink
	}

	if cfg.NegativeCacheTTL > 0 {
		cache, err := store.NewNegativeCache(st, cfg.NegativeCacheTTL, negativeCacheEntries)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() error {
			cache.Close()
			return nil
		})
		st = cache
	}
	b.Store = st

	logger.InfoContext(ctx, "クレデンシャルストアを開きました",
		"backend", cfg.StoreBackend, "negative_cache_ttl", cfg.NegativeCacheTTL.String())
	return b, nil
}

// Close は開いた資源を逆順に解放する。
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// newBackendClient はBACKEND_URL向けのHTTPクライアントを生成する。
func newBackendClient(cfg Config) *httpclient.Client {
	opts := []httpclient.Option{httpclient.WithTimeout(cfg.BackendTimeout)}
	if cfg.BackendDeployKey != "" {
		opts = append(opts, httpclient.WithAuthorization("Convex "+cfg.BackendDeployKey))
	}
	return httpclient.New(cfg.BackendURL, opts...)
}
