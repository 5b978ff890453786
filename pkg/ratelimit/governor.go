package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/tradegate/pkg/apikey"
)

// ErrLimitExceeded はレート制限によりリクエストが拒否されたことを表す。
var ErrLimitExceeded = errors.New("ratelimit: limit exceeded")

// LimitExceededError はどの窓の上限に達したかを保持する。
type LimitExceededError struct {
	Window     Window
	Limit      int64
	Current    int64
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("ratelimit: %s limit exceeded (%d/%d)", e.Window, e.Current, e.Limit)
}

func (e *LimitExceededError) Unwrap() error {
	return ErrLimitExceeded
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストを受け付けてよいかどうか。
	Allowed bool
	// Window は拒否の原因となった窓。Allowedがtrueの場合は意味を持たない。
	Window Window
	// Limit は拒否の原因となった上限値。
	Limit int64
	// Current は判定時点のカウンタ値（リセット適用後）。
	Current int64
	// ResetAt は拒否の原因となった窓が切り替わる時刻。
	ResetAt time.Time
	// RetryAfter は再試行までの待ち時間。
	RetryAfter time.Duration
}

// RetryAfterSeconds はRetry-Afterヘッダー用の秒数を返す。端数は切り上げ、最小値は1。
func (d Decision) RetryAfterSeconds() int64 {
	secs := int64((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Err は拒否時に *LimitExceededError を、許可時にnilを返す。
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &LimitExceededError{Window: d.Window, Limit: d.Limit, Current: d.Current, RetryAfter: d.RetryAfter}
}

// Roll は時間窓が切り替わったカウンタを0に戻し、そのアンカーを現在の窓の開始時刻に進める。
// バーストカウンタは分の境界でリセットされる。アンカーが後退することはない。
func Roll(usage apikey.UsageCounters, anchors apikey.WindowAnchors, now time.Time) (apikey.UsageCounters, apikey.WindowAnchors) {
	roll := func(count *int64, anchor *time.Time, w Window) {
		start := w.Start(now)
		if anchor.Before(start) {
			*count = 0
			*anchor = start
		}
	}
	roll(&usage.Day, &anchors.Day, Day)
	roll(&usage.Hour, &anchors.Hour, Hour)
	roll(&usage.Minute, &anchors.Minute, Minute)
	roll(&usage.Burst, &anchors.Burst, Burst)
	return usage, anchors
}

// Check は次のリクエストを受け付けてよいかを判定する。
// 日→時→バースト（設定時のみ）→分の順に判定し、最初に上限に達していた窓で拒否する。
// 上限が0以下の窓は判定しない。
func Check(policy apikey.QuotaPolicy, usage apikey.UsageCounters, anchors apikey.WindowAnchors, now time.Time) Decision {
	usage, _ = Roll(usage, anchors, now)

	for _, w := range checkOrder {
		limit, current := pick(policy, usage, w)
		if limit <= 0 || current < limit {
			continue
		}
		resetAt := w.Start(now).Add(w.Duration())
		return Decision{
			Allowed:    false,
			Window:     w,
			Limit:      limit,
			Current:    current,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}
	return Decision{Allowed: true}
}

// Increment は窓のリセットを適用した上で4つのカウンタすべてに1を加える。
func Increment(usage apikey.UsageCounters, anchors apikey.WindowAnchors, now time.Time) (apikey.UsageCounters, apikey.WindowAnchors) {
	usage, anchors = Roll(usage, anchors, now)
	usage.Minute++
	usage.Hour++
	usage.Day++
	usage.Burst++
	return usage, anchors
}

// pick は窓に対応する上限とカウンタを取り出す。
func pick(policy apikey.QuotaPolicy, usage apikey.UsageCounters, w Window) (limit, current int64) {
	switch w {
	case Day:
		return policy.PerDay, usage.Day
	case Hour:
		return policy.PerHour, usage.Hour
	case Burst:
		return policy.Burst, usage.Burst
	default:
		return policy.PerMinute, usage.Minute
	}
}
