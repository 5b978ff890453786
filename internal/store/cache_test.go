package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/tradegate/pkg/apikey"
)

// countingStore はValidateの呼び出し回数を数える。
type countingStore struct {
	*MemoryStore
	validates atomic.Int64
}

func (s *countingStore) Validate(ctx context.Context, credential string) (*apikey.Record, error) {
	s.validates.Add(1)
	return s.MemoryStore.Validate(ctx, credential)
}

// TestNegativeCache は未登録キーの記憶を検証する。
func TestNegativeCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	newCache := func(t *testing.T, inner *countingStore) *NegativeCache {
		t.Helper()
		c, err := NewNegativeCache(inner, time.Minute, 1000)
		if err != nil {
			t.Fatalf("NewNegativeCache()でエラーが発生: %v", err)
		}
		t.Cleanup(c.Close)
		return c
	}

	t.Run("未登録のキーは2回目以降バックエンドに問い合わせないこと", func(t *testing.T) {
		t.Parallel()

		inner := &countingStore{MemoryStore: NewMemoryStore()}
		c := newCache(t, inner)

		for range 3 {
			if _, err := c.Validate(ctx, "ck_live_unknown"); !errors.Is(err, apikey.ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
			c.Wait()
		}
		if got := inner.validates.Load(); got != 1 {
			t.Errorf("バックエンドの呼び出し回数 = %d, want 1", got)
		}
		if c.Hits() != 2 {
			t.Errorf("Hits() = %d, want 2", c.Hits())
		}
	})

	t.Run("見つかったレコードはキャッシュしないこと", func(t *testing.T) {
		t.Parallel()

		inner := &countingStore{MemoryStore: NewMemoryStore()}
		_ = inner.Put(ctx, "ck_live_secret", seedRecord())
		c := newCache(t, inner)

		for range 2 {
			if _, err := c.Validate(ctx, "ck_live_secret"); err != nil {
				t.Fatalf("Validate()でエラーが発生: %v", err)
			}
			c.Wait()
		}
		if got := inner.validates.Load(); got != 2 {
			t.Errorf("バックエンドの呼び出し回数 = %d, want 2", got)
		}
	})

	t.Run("発行とイベント一覧はバックエンドに委譲されること", func(t *testing.T) {
		t.Parallel()

		inner := &countingStore{MemoryStore: NewMemoryStore()}
		c := newCache(t, inner)

		created, err := c.CreateAPIKey(ctx, NewKey{Environment: apikey.EnvironmentLive})
		if err != nil {
			t.Fatalf("CreateAPIKey()でエラーが発生: %v", err)
		}
		if _, err := c.Validate(ctx, created.Secret); err != nil {
			t.Errorf("発行したキーの検証に失敗: %v", err)
		}
		if _, err := c.ListSecurityEvents(ctx, 10); err != nil {
			t.Errorf("ListSecurityEvents()でエラーが発生: %v", err)
		}
	})

	t.Run("発行に対応しないバックエンドではErrProvisioningUnsupportedになること", func(t *testing.T) {
		t.Parallel()

		_, remote := newFakeBackend(t)
		c, err := NewNegativeCache(remote, time.Minute, 10)
		if err != nil {
			t.Fatalf("NewNegativeCache()でエラーが発生: %v", err)
		}
		defer c.Close()

		if _, err := c.CreateAPIKey(ctx, NewKey{Environment: apikey.EnvironmentLive}); !errors.Is(err, ErrProvisioningUnsupported) {
			t.Errorf("err = %v, want ErrProvisioningUnsupported", err)
		}
	})

	t.Run("TTLが0以下の場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewNegativeCache(NewMemoryStore(), 0, 10); err == nil {
			t.Error("TTL=0でエラーが返らなかった")
		}
	})
}
