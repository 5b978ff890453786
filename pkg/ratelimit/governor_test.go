package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/nao1215/tradegate/pkg/apikey"
)

// anchorsAt はすべてのアンカーをnowを含む窓の開始時刻に揃える。
func anchorsAt(now time.Time) apikey.WindowAnchors {
	return apikey.WindowAnchors{
		Minute: Minute.Start(now),
		Hour:   Hour.Start(now),
		Day:    Day.Start(now),
		Burst:  Burst.Start(now),
	}
}

// TestWindowStart は窓の開始時刻の計算を検証する。
func TestWindowStart(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 10, 13, 47, 29, 500_000_000, time.UTC)

	tests := []struct {
		w    Window
		want time.Time
	}{
		{w: Minute, want: time.Date(2026, 5, 10, 13, 47, 0, 0, time.UTC)},
		{w: Burst, want: time.Date(2026, 5, 10, 13, 47, 0, 0, time.UTC)},
		{w: Hour, want: time.Date(2026, 5, 10, 13, 0, 0, 0, time.UTC)},
		{w: Day, want: time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.w.String(), func(t *testing.T) {
			t.Parallel()

			if got := tt.w.Start(now); !got.Equal(tt.want) {
				t.Errorf("Start() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCheck はレート制限の判定を検証する。
func TestCheck(t *testing.T) {
	t.Parallel()

	t.Run("分の上限に達している場合は残り秒数とともに拒否されること", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 5, 10, 13, 47, 20, 0, time.UTC)
		policy := apikey.QuotaPolicy{PerMinute: 5}
		usage := apikey.UsageCounters{Minute: 5, Hour: 5, Day: 5, Burst: 5}

		d := Check(policy, usage, anchorsAt(now), now)
		if d.Allowed {
			t.Fatal("上限到達時に許可された")
		}
		if d.Window != Minute {
			t.Errorf("Window = %v, want %v", d.Window, Minute)
		}
		if got := d.RetryAfterSeconds(); got < 39 || got > 41 {
			t.Errorf("RetryAfterSeconds() = %d, want 40±1", got)
		}
		if !d.ResetAt.Equal(time.Date(2026, 5, 10, 13, 48, 0, 0, time.UTC)) {
			t.Errorf("ResetAt = %v", d.ResetAt)
		}
	})

	t.Run("上限未満であれば許可されること", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 5, 10, 13, 47, 20, 0, time.UTC)
		d := Check(apikey.QuotaPolicy{PerMinute: 5}, apikey.UsageCounters{Minute: 4}, anchorsAt(now), now)
		if !d.Allowed {
			t.Errorf("上限未満で拒否された: %+v", d)
		}
	})

	t.Run("日と分の両方を超過している場合は日が報告されること", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 5, 10, 13, 47, 20, 0, time.UTC)
		policy := apikey.QuotaPolicy{PerMinute: 1, PerHour: 100, PerDay: 10}
		usage := apikey.UsageCounters{Minute: 3, Hour: 10, Day: 10, Burst: 3}

		d := Check(policy, usage, anchorsAt(now), now)
		if d.Window != Day {
			t.Fatalf("Window = %v, want %v", d.Window, Day)
		}
		want := time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC).Sub(now)
		if d.RetryAfter != want {
			t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, want)
		}
	})

	t.Run("時とバーストの両方を超過している場合は時が報告されること", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 5, 10, 13, 47, 20, 0, time.UTC)
		policy := apikey.QuotaPolicy{PerMinute: 100, PerHour: 10, Burst: 2}
		usage := apikey.UsageCounters{Minute: 10, Hour: 10, Day: 10, Burst: 10}

		if d := Check(policy, usage, anchorsAt(now), now); d.Window != Hour {
			t.Errorf("Window = %v, want %v", d.Window, Hour)
		}
	})

	t.Run("バーストは分より先に判定されること", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 5, 10, 13, 47, 20, 0, time.UTC)
		policy := apikey.QuotaPolicy{PerMinute: 3, Burst: 2}
		usage := apikey.UsageCounters{Minute: 3, Burst: 3}

		if d := Check(policy, usage, anchorsAt(now), now); d.Window != Burst {
			t.Errorf("Window = %v, want %v", d.Window, Burst)
		}
	})

	t.Run("バースト上限が0の場合はバーストを判定しないこと", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 5, 10, 13, 47, 20, 0, time.UTC)
		policy := apikey.QuotaPolicy{PerMinute: 100}
		usage := apikey.UsageCounters{Minute: 1, Burst: 1000}

		if d := Check(policy, usage, anchorsAt(now), now); !d.Allowed {
			t.Errorf("バースト未設定で拒否された: %+v", d)
		}
	})

	t.Run("窓の境界を越えるとその窓のカウンタだけがリセットされること", func(t *testing.T) {
		t.Parallel()

		before := time.Date(2026, 5, 10, 13, 47, 59, 0, time.UTC)
		after := before.Add(2 * time.Second)
		policy := apikey.QuotaPolicy{PerMinute: 5, PerHour: 5}
		usage := apikey.UsageCounters{Minute: 5, Hour: 5, Day: 5, Burst: 5}

		d := Check(policy, usage, anchorsAt(before), after)
		if d.Allowed || d.Window != Hour {
			t.Errorf("時の上限で拒否されるべき: %+v", d)
		}

		policy.PerHour = 0
		if d := Check(policy, usage, anchorsAt(before), after); !d.Allowed {
			t.Errorf("分の境界を越えた後に拒否された: %+v", d)
		}
	})

	t.Run("拒否時のErrはErrLimitExceededをラップすること", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 5, 10, 13, 47, 20, 0, time.UTC)
		d := Check(apikey.QuotaPolicy{PerMinute: 1}, apikey.UsageCounters{Minute: 1}, anchorsAt(now), now)
		err := d.Err()
		if !errors.Is(err, ErrLimitExceeded) {
			t.Fatalf("errors.Is(err, ErrLimitExceeded) = false: %v", err)
		}
		var limErr *LimitExceededError
		if !errors.As(err, &limErr) || limErr.Window != Minute {
			t.Errorf("LimitExceededError = %+v", limErr)
		}
		if (Decision{Allowed: true}).Err() != nil {
			t.Error("許可時のErrはnilであるべき")
		}
	})
}

// TestRoll は遅延リセットを検証する。
func TestRoll(t *testing.T) {
	t.Parallel()

	t.Run("新しい時間だけを越えた場合は日のカウンタが保たれること", func(t *testing.T) {
		t.Parallel()

		prev := time.Date(2026, 5, 10, 13, 59, 30, 0, time.UTC)
		now := time.Date(2026, 5, 10, 14, 0, 5, 0, time.UTC)
		usage := apikey.UsageCounters{Minute: 3, Hour: 30, Day: 300, Burst: 2}

		got, anchors := Roll(usage, anchorsAt(prev), now)
		want := apikey.UsageCounters{Minute: 0, Hour: 0, Day: 300, Burst: 0}
		if got != want {
			t.Errorf("Roll() = %+v, want %+v", got, want)
		}
		if !anchors.Hour.Equal(Hour.Start(now)) || !anchors.Day.Equal(Day.Start(prev)) {
			t.Errorf("anchors = %+v", anchors)
		}
	})

	t.Run("ゼロ値のアンカーはリセットされること", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 5, 10, 14, 0, 5, 0, time.UTC)
		got, anchors := Roll(apikey.UsageCounters{Minute: 9, Hour: 9, Day: 9, Burst: 9}, apikey.WindowAnchors{}, now)
		if got != (apikey.UsageCounters{}) {
			t.Errorf("Roll() = %+v, want zero", got)
		}
		if !anchors.Minute.Equal(Minute.Start(now)) {
			t.Errorf("anchors.Minute = %v", anchors.Minute)
		}
	})

	t.Run("未来のアンカーは後退しないこと", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 5, 10, 14, 0, 5, 0, time.UTC)
		future := anchorsAt(now.Add(time.Hour))
		_, anchors := Roll(apikey.UsageCounters{}, future, now)
		if !anchors.Hour.Equal(future.Hour) {
			t.Errorf("anchors.Hour = %v, want %v", anchors.Hour, future.Hour)
		}
	})
}

// TestIncrement はカウンタの加算を検証する。
func TestIncrement(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 10, 14, 0, 5, 0, time.UTC)
	prev := now.Add(-2 * time.Minute)

	got, anchors := Increment(apikey.UsageCounters{Minute: 4, Hour: 4, Day: 4, Burst: 4}, anchorsAt(prev), now)
	want := apikey.UsageCounters{Minute: 1, Hour: 1, Day: 5, Burst: 1}
	if got != want {
		t.Errorf("Increment() = %+v, want %+v", got, want)
	}
	if !anchors.Minute.Equal(Minute.Start(now)) {
		t.Errorf("anchors.Minute = %v", anchors.Minute)
	}
}

// TestRetryAfterSeconds は秒数の切り上げを検証する。
func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want int64
	}{
		{in: 0, want: 1},
		{in: 200 * time.Millisecond, want: 1},
		{in: time.Second, want: 1},
		{in: 1500 * time.Millisecond, want: 2},
		{in: 40 * time.Second, want: 40},
	}
	for _, tt := range tests {
		if got := (Decision{RetryAfter: tt.in}).RetryAfterSeconds(); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
