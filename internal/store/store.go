package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/permission"
	"github.com/nao1215/tradegate/pkg/ratelimit"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

var (
	// ErrProvisioningUnsupported はバックエンドがキーの発行に対応していないことを表す。
	ErrProvisioningUnsupported = errors.New("store: provisioning unsupported")
	// ErrListingUnsupported はバックエンドがイベントの一覧に対応していないことを表す。
	ErrListingUnsupported = errors.New("store: event listing unsupported")
	// ErrInvalidKeySpec は発行するキーの指定が不正であることを表す。
	ErrInvalidKeySpec = errors.New("store: invalid key spec")
)

// 一覧取得の件数。
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 500
)

// NewKey は発行するAPIキーの指定。
type NewKey struct {
	Name         string             `json:"name"`
	Environment  apikey.Environment `json:"environment"`
	Capabilities []string           `json:"permissions"`
	Quota        apikey.QuotaPolicy `json:"rateLimits"`
	ExpiresAt    *time.Time         `json:"expiresAt,omitempty"`
}

// Created は発行されたキー。Secret はこの時点でしか得られない。
type Created struct {
	Secret string         `json:"key"`
	Record *apikey.Record `json:"record"`
}

// Provisioner はAPIキーを発行できるバックエンド。
type Provisioner interface {
	CreateAPIKey(ctx context.Context, spec NewKey) (Created, error)
}

// EventLister は記録したセキュリティイベントを新しい順に返せるバックエンド。
type EventLister interface {
	ListSecurityEvents(ctx context.Context, limit int) ([]telemetry.SecurityEvent, error)
}

// Option はバックエンドの設定を変更する。
type Option func(*options)

type options struct {
	now       func() time.Time
	logger    *slog.Logger
	retention int
}

func defaultOptions() options {
	return options{now: time.Now, logger: slog.Default(), retention: 10000}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock は現在時刻の取得方法を設定する。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEventRetention は保持するセキュリティイベントの上限件数を設定する。
func WithEventRetention(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.retention = n
		}
	}
}

// ClampLimit は一覧の件数を既定値と上限の範囲に収める。
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultEventLimit
	case n > MaxEventLimit:
		return MaxEventLimit
	default:
		return n
	}
}

// build は指定を検証し、秘密鍵とレコードを生成する。
func (k NewKey) build(now time.Time) (Created, error) {
	if !k.Environment.Valid() {
		return Created{}, fmt.Errorf("%w: unknown environment %q", ErrInvalidKeySpec, k.Environment)
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return Created{}, fmt.Errorf("%w: expiresAt must be in the future", ErrInvalidKeySpec)
	}
	caps := slices.Clone(k.Capabilities)
	for _, c := range caps {
		if c == permission.Wildcard {
			continue
		}
		if _, ok := permission.Parse(c); !ok {
			return Created{}, fmt.Errorf("%w: malformed permission %q", ErrInvalidKeySpec, c)
		}
	}
	slices.Sort(caps)
	caps = slices.Compact(caps)

	secret, shortID, err := apikey.Generate(k.Environment)
	if err != nil {
		return Created{}, fmt.Errorf("APIキーの生成に失敗: %w", err)
	}
	rec := &apikey.Record{
		ID:           uuid.NewString(),
		ShortID:      shortID,
		Name:         k.Name,
		Environment:  k.Environment,
		IsActive:     true,
		ExpiresAt:    k.ExpiresAt,
		Capabilities: caps,
		Quota:        k.Quota,
		Anchors:      currentAnchors(now),
	}
	return Created{Secret: secret, Record: rec}, nil
}

// currentAnchors はnowを含む各時間窓の開始時刻を返す。
func currentAnchors(now time.Time) apikey.WindowAnchors {
	return apikey.WindowAnchors{
		Minute: ratelimit.Minute.Start(now),
		Hour:   ratelimit.Hour.Start(now),
		Day:    ratelimit.Day.Start(now),
		Burst:  ratelimit.Burst.Start(now),
	}
}

// unixMilli は時刻をミリ秒に変換する。ゼロ値は0になる。
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromUnixMilli はミリ秒を時刻に変換する。0はゼロ値になる。
func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
