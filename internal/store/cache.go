package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nao1215/tradegate/pkg/apiauth"
	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

// NegativeCache は未登録だったクレデンシャルを一定時間記憶し、
// 同じ不正キーの繰り返しでバックエンドに問い合わせないようにするデコレータ。
// 見つかったレコードはキャッシュしないため、カウンタや失効は常にバックエンドが正となる。
type NegativeCache struct {
	next  apiauth.CredentialStore
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewNegativeCache はnextをラップしたNegativeCacheを生成する。
// ttlは正の値でなければならない。maxEntriesは記憶するダイジェストの最大数。
func NewNegativeCache(next apiauth.CredentialStore, ttl time.Duration, maxEntries int64) (*NegativeCache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ネガティブキャッシュのTTLが不正です: %v", ttl)
	}
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("キャッシュの生成に失敗: %w", err)
	}
	return &NegativeCache{next: next, cache: cache, ttl: ttl}, nil
}

// Validate はキャッシュに未登録として記憶されていればバックエンドを呼ばずに ErrNotFound を返す。
func (n *NegativeCache) Validate(ctx context.Context, credential string) (*apikey.Record, error) {
	digest := apikey.Digest(credential)
	if _, ok := n.cache.Get(digest); ok {
		return nil, apikey.ErrNotFound
	}

	rec, err := n.next.Validate(ctx, credential)
	if errors.Is(err, apikey.ErrNotFound) {
		n.cache.SetWithTTL(digest, struct{}{}, 1, n.ttl)
	}
	return rec, err
}

// IncrementUsage はバックエンドにそのまま委譲する。
func (n *NegativeCache) IncrementUsage(ctx context.Context, credential string) error {
	return n.next.IncrementUsage(ctx, credential)
}

// CreateAPIKey はバックエンドが発行に対応していれば委譲する。
// 発行したキーが未登録として記憶されていた場合は忘れる。
func (n *NegativeCache) CreateAPIKey(ctx context.Context, spec NewKey) (Created, error) {
	p, ok := n.next.(Provisioner)
	if !ok {
		return Created{}, ErrProvisioningUnsupported
	}
	created, err := p.CreateAPIKey(ctx, spec)
	if err != nil {
		return Created{}, err
	}
	n.cache.Del(apikey.Digest(created.Secret))
	return created, nil
}

// ListSecurityEvents はバックエンドが一覧に対応していれば委譲する。
func (n *NegativeCache) ListSecurityEvents(ctx context.Context, limit int) ([]telemetry.SecurityEvent, error) {
	l, ok := n.next.(EventLister)
	if !ok {
		return nil, ErrListingUnsupported
	}
	return l.ListSecurityEvents(ctx, limit)
}

// RecordSecurityEvent はバックエンドがシンクであれば委譲する。
func (n *NegativeCache) RecordSecurityEvent(ctx context.Context, ev telemetry.SecurityEvent) error {
	sink, ok := n.next.(telemetry.Sink)
	if !ok {
		return nil
	}
	return sink.RecordSecurityEvent(ctx, ev)
}

// Hits はキャッシュで応答した回数を返す。
func (n *NegativeCache) Hits() uint64 {
	return n.cache.Metrics.Hits()
}

// Wait は保留中のキャッシュ書き込みの反映を待つ。
func (n *NegativeCache) Wait() {
	n.cache.Wait()
}

// Close はキャッシュを閉じる。バックエンドは閉じない。
func (n *NegativeCache) Close() {
	n.cache.Close()
}
