package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/ratelimit"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

// Redisのキー。
const (
	redisKeyPrefix   = "tradegate:apikey:"
	redisUsagePrefix = "tradegate:usage:"
	// RedisEventStream はセキュリティイベントを追記するストリーム。
	RedisEventStream = "tradegate:security-events"
)

// usageTTL は使用量ハッシュの有効期間。日の窓より長ければ失効しても結果は変わらない。
const usageTTL = 48 * time.Hour

// RedisStore はRedisにレコードとイベントを保持するバックエンド。
// レコード本体はJSON文字列、使用量はハッシュで保持し、
// 使用量の加算はLuaスクリプトで時間窓のリセットとまとめて原子的に行う。
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisStore は新しいRedisStoreを生成する。
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, opts: applyOptions(opts)}
}

// Close はRedisクライアントを閉じる。
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// incrementScript は時間窓が切り替わったカウンタを0に戻してから4つのカウンタを加算する。
// レコードが存在しない場合は-1を返す。
//
// KEYS[1] = 使用量ハッシュ
// KEYS[2] = レコード本体
// ARGV[1..4] = 日・時・分・バーストの現在の窓の開始時刻（Unixミリ秒）
// ARGV[5] = 現在時刻（Unixミリ秒）
// ARGV[6] = 使用量ハッシュのTTL（ミリ秒）
var incrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
    return -1
end

local fields = {"day", "hour", "minute", "burst"}
for i, f in ipairs(fields) do
    local start = tonumber(ARGV[i])
    local anchor = tonumber(redis.call("HGET", KEYS[1], "w_" .. f) or "0")
    if anchor < start then
        redis.call("HSET", KEYS[1], f, 0, "w_" .. f, ARGV[i])
    end
    redis.call("HINCRBY", KEYS[1], f, 1)
end
redis.call("HSET", KEYS[1], "last_used", ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[6])
return tonumber(redis.call("HGET", KEYS[1], "minute"))
`)

// Validate はレコード本体と使用量を読み込む。
func (s *RedisStore) Validate(ctx context.Context, credential string) (*apikey.Record, error) {
	digest := apikey.Digest(credential)

	pipe := s.client.Pipeline()
	recCmd := pipe.Get(ctx, redisKeyPrefix+digest)
	usageCmd := pipe.HGetAll(ctx, redisUsagePrefix+digest)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("APIキーの検索に失敗: %w", err)
	}

	raw, err := recCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apikey.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("APIキーの検索に失敗: %w", err)
	}

	var rec apikey.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("APIキーのデシリアライズに失敗: %w", err)
	}
	if err := applyUsageHash(&rec, usageCmd.Val()); err != nil {
		return nil, err
	}
	return &rec, nil
}

// IncrementUsage はサーバー側スクリプトで使用量を加算する。
func (s *RedisStore) IncrementUsage(ctx context.Context, credential string) error {
	digest := apikey.Digest(credential)
	now := s.opts.now()

	res, err := incrementScript.Run(ctx, s.client,
		[]string{redisUsagePrefix + digest, redisKeyPrefix + digest},
		ratelimit.Day.Start(now).UnixMilli(),
		ratelimit.Hour.Start(now).UnixMilli(),
		ratelimit.Minute.Start(now).UnixMilli(),
		ratelimit.Burst.Start(now).UnixMilli(),
		now.UnixMilli(),
		usageTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("使用量の更新に失敗: %w", err)
	}
	if res < 0 {
		return apikey.ErrNotFound
	}
	return nil
}

// Put はsecretに対応するレコードと使用量を登録する。既存のレコードは置き換える。
func (s *RedisStore) Put(ctx context.Context, secret string, rec *apikey.Record) error {
	digest := apikey.Digest(secret)
	body := rec.Clone()
	body.Usage = apikey.UsageCounters{}
	body.Anchors = apikey.WindowAnchors{}
	body.LastUsedAt = nil
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("APIキーのシリアライズに失敗: %w", err)
	}

	usage := map[string]any{
		"minute":   rec.Usage.Minute,
		"hour":     rec.Usage.Hour,
		"day":      rec.Usage.Day,
		"burst":    rec.Usage.Burst,
		"w_minute": unixMilli(rec.Anchors.Minute),
		"w_hour":   unixMilli(rec.Anchors.Hour),
		"w_day":    unixMilli(rec.Anchors.Day),
		"w_burst":  unixMilli(rec.Anchors.Burst),
	}
	if rec.LastUsedAt != nil {
		usage["last_used"] = rec.LastUsedAt.UnixMilli()
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyPrefix+digest, raw, 0)
		pipe.Del(ctx, redisUsagePrefix+digest)
		pipe.HSet(ctx, redisUsagePrefix+digest, usage)
		pipe.PExpire(ctx, redisUsagePrefix+digest, usageTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("APIキーの保存に失敗: %w", err)
	}
	return nil
}

// CreateAPIKey は新しいキーを発行して保存する。
func (s *RedisStore) CreateAPIKey(ctx context.Context, spec NewKey) (Created, error) {
	created, err := spec.build(s.opts.now())
	if err != nil {
		return Created{}, err
	}
	if err := s.Put(ctx, created.Secret, created.Record); err != nil {
		return Created{}, err
	}
	return created, nil
}

// RecordSecurityEvent はイベントを上限付きのストリームに追記する。
func (s *RedisStore) RecordSecurityEvent(ctx context.Context, ev telemetry.SecurityEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("セキュリティイベントのシリアライズに失敗: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: RedisEventStream,
		MaxLen: int64(s.opts.retention),
		Approx: true,
		Values: map[string]any{
			"type":  string(ev.EventType),
			"event": string(raw),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("セキュリティイベントの追記に失敗: %w", err)
	}
	return nil
}

// ListSecurityEvents はストリームを新しい順に読み出す。
func (s *RedisStore) ListSecurityEvents(ctx context.Context, limit int) ([]telemetry.SecurityEvent, error) {
	msgs, err := s.client.XRevRangeN(ctx, RedisEventStream, "+", "-", int64(ClampLimit(limit))).Result()
	if err != nil {
		return nil, fmt.Errorf("セキュリティイベントの取得に失敗: %w", err)
	}

	events := make([]telemetry.SecurityEvent, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			continue
		}
		var ev telemetry.SecurityEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("セキュリティイベントのデシリアライズに失敗: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// applyUsageHash は使用量ハッシュの値をレコードに反映する。
func applyUsageHash(rec *apikey.Record, h map[string]string) error {
	var firstErr error
	num := func(field string) int64 {
		v, ok := h[field]
		if !ok {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("使用量 %s の解析に失敗: %w", field, err)
		}
		return n
	}

	rec.Usage = apikey.UsageCounters{
		Minute: num("minute"),
		Hour:   num("hour"),
		Day:    num("day"),
		Burst:  num("burst"),
	}
	rec.Anchors = apikey.WindowAnchors{
		Minute: fromUnixMilli(num("w_minute")),
		Hour:   fromUnixMilli(num("w_hour")),
		Day:    fromUnixMilli(num("w_day")),
		Burst:  fromUnixMilli(num("w_burst")),
	}
	if ms := num("last_used"); ms != 0 {
		t := fromUnixMilli(ms)
		rec.LastUsedAt = &t
	}
	return firstErr
}
