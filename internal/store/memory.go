package store

import (
	"context"
	"slices"
	"sync"

	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/ratelimit"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

// MemoryStore はプロセス内にレコードとイベントを保持するバックエンド。
// 再起動で内容は失われる。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*apikey.Record
	events  []telemetry.SecurityEvent
	opts    options
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*apikey.Record),
		opts:    applyOptions(opts),
	}
}

// Put はsecretに対応するレコードを登録する。既存のレコードは置き換える。
func (s *MemoryStore) Put(_ context.Context, secret string, rec *apikey.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[apikey.Digest(secret)] = rec.Clone()
	return nil
}

// Validate はレコードの複製を返す。
func (s *MemoryStore) Validate(_ context.Context, credential string) (*apikey.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[apikey.Digest(credential)]
	if !ok {
		return nil, apikey.ErrNotFound
	}
	return rec.Clone(), nil
}

// IncrementUsage は時間窓のリセットを適用してから4つのカウンタを加算する。
func (s *MemoryStore) IncrementUsage(_ context.Context, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[apikey.Digest(credential)]
	if !ok {
		return apikey.ErrNotFound
	}
	now := s.opts.now()
	rec.Usage, rec.Anchors = ratelimit.Increment(rec.Usage, rec.Anchors, now)
	rec.LastUsedAt = &now
	return nil
}

// CreateAPIKey は新しいキーを発行して登録する。
func (s *MemoryStore) CreateAPIKey(ctx context.Context, spec NewKey) (Created, error) {
	created, err := spec.build(s.opts.now())
	if err != nil {
		return Created{}, err
	}
	if err := s.Put(ctx, created.Secret, created.Record); err != nil {
		return Created{}, err
	}
	return created, nil
}

// RecordSecurityEvent はイベントを保持する。上限を超えた古いイベントは捨てる。
func (s *MemoryStore) RecordSecurityEvent(_ context.Context, ev telemetry.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if over := len(s.events) - s.opts.retention; over > 0 {
		s.events = slices.Delete(s.events, 0, over)
	}
	return nil
}

// ListSecurityEvents は新しい順にイベントを返す。
func (s *MemoryStore) ListSecurityEvents(_ context.Context, limit int) ([]telemetry.SecurityEvent, error) {
	limit = ClampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]telemetry.SecurityEvent, 0, min(limit, len(s.events)))
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}
