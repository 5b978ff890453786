// Package ratelimit はAPIキーごとの固定時間窓レート制限の計算を提供する。
//
// カウンタとアンカーの永続化は外部ストアの責務であり、このパッケージは
// 与えられた値と現在時刻から判定・リセット・加算の結果を計算するだけの純粋な関数群である。
// 窓のリセットは遅延評価で、バックグラウンドの掃除処理は存在しない。
package ratelimit

import (
	"fmt"
	"time"
)

// Window はレート制限の時間窓を表す。定数の並びはチェック順と一致する。
type Window int

const (
	// Day は1日単位の窓。
	Day Window = iota
	// Hour は1時間単位の窓。
	Hour
	// Burst は分単位の補助的なバースト窓。境界はMinuteと共有する。
	Burst
	// Minute は1分単位の窓。
	Minute
)

// checkOrder は上限超過を判定する順序。長い窓から順に判定する。
var checkOrder = [...]Window{Day, Hour, Burst, Minute}

// Duration は窓の長さを返す。
func (w Window) Duration() time.Duration {
	switch w {
	case Day:
		return 24 * time.Hour
	case Hour:
		return time.Hour
	default:
		return time.Minute
	}
}

// Start はnowを含む窓の開始時刻を返す。
// Unixミリ秒を窓の長さで切り捨てるため、日の境界はUTCの0時になる。
func (w Window) Start(now time.Time) time.Time {
	ms := w.Duration().Milliseconds()
	return time.UnixMilli(now.UnixMilli() / ms * ms).UTC()
}

// String は窓の名前を返す。
func (w Window) String() string {
	switch w {
	case Day:
		return "day"
	case Hour:
		return "hour"
	case Burst:
		return "burst"
	case Minute:
		return "minute"
	default:
		return fmt.Sprintf("Window(%d)", int(w))
	}
}
