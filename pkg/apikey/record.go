package apikey

import (
	"errors"
	"time"
)

// Environment はAPIキーのデプロイ環境を表す。
type Environment string

const (
	// EnvironmentLive は本番環境のキーを表す。
	EnvironmentLive Environment = "live"
	// EnvironmentTest はテスト環境のキーを表す。
	EnvironmentTest Environment = "test"
	// EnvironmentDevelopment は開発環境のキーを表す。
	EnvironmentDevelopment Environment = "development"
)

// Valid は既知の環境値かどうかを返す。
func (e Environment) Valid() bool {
	switch e {
	case EnvironmentLive, EnvironmentTest, EnvironmentDevelopment:
		return true
	}
	return false
}

var (
	// ErrNotFound はクレデンシャルに対応するレコードが存在しないことを表す。
	ErrNotFound = errors.New("apikey: not found")
	// ErrRevoked はキーが失効済みであることを表す。
	ErrRevoked = errors.New("apikey: revoked")
	// ErrInactive はキーが無効化されていることを表す。
	ErrInactive = errors.New("apikey: inactive")
	// ErrExpired はキーの有効期限が切れていることを表す。
	ErrExpired = errors.New("apikey: expired")
)

// QuotaPolicy は各時間窓のリクエスト上限。0以下の値はその窓に上限がないことを意味する。
type QuotaPolicy struct {
	// PerMinute は1分あたりの上限。
	PerMinute int64 `json:"perMinute"`
	// PerHour は1時間あたりの上限。
	PerHour int64 `json:"perHour"`
	// PerDay は1日あたりの上限。
	PerDay int64 `json:"perDay"`
	// Burst は分単位の補助的なバースト上限。0の場合はチェックしない。
	Burst int64 `json:"burstLimit,omitempty"`
}

// UsageCounters は各時間窓の現在のリクエスト数。
type UsageCounters struct {
	Minute int64 `json:"minute"`
	Hour   int64 `json:"hour"`
	Day    int64 `json:"day"`
	Burst  int64 `json:"burst"`
}

// WindowAnchors は各カウンタが属する現在の時間窓の開始時刻。
// 単調非減少であり、時間窓が切り替わった時にのみ進む。
type WindowAnchors struct {
	Minute time.Time `json:"minute"`
	Hour   time.Time `json:"hour"`
	Day    time.Time `json:"day"`
	Burst  time.Time `json:"burst"`
}

// Record は外部ストアが保持するAPIキーのレコード。
type Record struct {
	// ID はストア内部の識別子。
	ID string `json:"id"`
	// ShortID はログや表示に使う秘密でない公開識別子。
	ShortID string `json:"shortId"`
	// Name は管理画面で表示するキーの名前。
	Name string `json:"name,omitempty"`
	// Environment はキーのデプロイ環境。
	Environment Environment `json:"environment"`
	// IsActive はキーが有効化されているかどうか。
	IsActive bool `json:"isActive"`
	// IsRevoked はキーが失効済みかどうか。
	IsRevoked bool `json:"isRevoked"`
	// ExpiresAt はキーの有効期限。nilの場合は無期限。
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// Capabilities は付与された権限文字列の集合。
	Capabilities []string `json:"permissions"`
	// Quota はレート制限の上限。
	Quota QuotaPolicy `json:"rateLimits"`
	// Usage は現在のカウンタ値。
	Usage UsageCounters `json:"usage"`
	// Anchors は各カウンタの時間窓の開始時刻。
	Anchors WindowAnchors `json:"windowStarts"`
	// LastUsedAt は最後に受け付けたリクエストの時刻。
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Status はnow時点でキーが利用可能かを検査する。
// 失効・無効化・期限切れの順に判定し、利用可能ならnilを返す。
func (r *Record) Status(now time.Time) error {
	switch {
	case r.IsRevoked:
		return ErrRevoked
	case !r.IsActive:
		return ErrInactive
	case r.ExpiresAt != nil && !now.Before(*r.ExpiresAt):
		return ErrExpired
	}
	return nil
}

// Clone はスライスやポインタを共有しないコピーを返す。
func (r *Record) Clone() *Record {
	c := *r
	c.Capabilities = append([]string(nil), r.Capabilities...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}
