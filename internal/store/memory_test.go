package store

import (
	"context"
	"testing"

	"github.com/nao1215/tradegate/pkg/telemetry"
)

// TestMemoryStore はMemoryStoreが共通の振る舞いを満たすことを検証する。
func TestMemoryStore(t *testing.T) {
	t.Parallel()

	runStoreContract(t, func(_ *testing.T, clock *testClock) contractStore {
		return NewMemoryStore(WithClock(clock.Now))
	})
}

// TestMemoryStoreRetention は上限を超えた古いイベントが捨てられることを検証する。
func TestMemoryStoreRetention(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(WithEventRetention(2))
	for _, id := range []string{"a", "b", "c"} {
		_ = s.RecordSecurityEvent(context.Background(), telemetry.SecurityEvent{ID: id})
	}

	got, _ := s.ListSecurityEvents(context.Background(), 10)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("events = %+v", got)
	}
}
