package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/httpclient"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

// fakeBackend はBaaSの関数呼び出しを模倣するテストサーバー。
type fakeBackend struct {
	mu         sync.Mutex
	keys       map[string]map[string]any
	increments map[string]int
	events     []map[string]any
	auth       string
	fail       bool
}

func newFakeBackend(t *testing.T) (*fakeBackend, *RemoteStore) {
	t.Helper()

	fb := &fakeBackend{keys: map[string]map[string]any{}, increments: map[string]int{}}
	ts := httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(ts.Close)
	return fb, NewRemoteStore(httpclient.New(ts.URL, httpclient.WithAuthorization("Convex test-deploy-key")))
}

func (fb *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.auth = r.Header.Get("Authorization")

	var call struct {
		Path string          `json:"path"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if fb.fail {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "errorMessage": "Server Error"})
		return
	}

	var value any
	switch r.URL.Path + " " + call.Path {
	case "/api/query apiKeys:validate":
		var args struct{ Key string }
		_ = json.Unmarshal(call.Args, &args)
		if doc, ok := fb.keys[args.Key]; ok {
			value = doc
		}
	case "/api/mutation apiKeys:incrementUsage":
		var args struct{ Key string }
		_ = json.Unmarshal(call.Args, &args)
		fb.increments[args.Key]++
	case "/api/mutation securityEvents:log":
		var doc map[string]any
		_ = json.Unmarshal(call.Args, &doc)
		fb.events = append(fb.events, doc)
	case "/api/query securityEvents:recent":
		out := make([]map[string]any, 0, len(fb.events))
		for i := len(fb.events) - 1; i >= 0; i-- {
			out = append(out, fb.events[i])
		}
		value = out
	default:
		http.Error(w, "unknown function", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "value": value})
}

// TestRemoteStore はBaaSの関数呼び出しを検証する。
func TestRemoteStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("キーのドキュメントをレコードに変換できること", func(t *testing.T) {
		t.Parallel()

		fb, s := newFakeBackend(t)
		minute := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
		fb.keys["ck_live_secret"] = map[string]any{
			"_id":          "j57abc",
			"keyId":        "ck_live_AbCdEfGh",
			"name":         "partner",
			"environment":  "live",
			"isActive":     true,
			"isRevoked":    false,
			"expiresAt":    float64(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()),
			"permissions":  []string{"products:read"},
			"rateLimits":   map[string]any{"perMinute": 60, "perHour": 1000, "perDay": 10000},
			"usage":        map[string]any{"minute": 3, "hour": 10, "day": 20, "burst": 3},
			"windowStarts": map[string]any{"minute": minute.UnixMilli(), "hour": minute.UnixMilli(), "day": minute.UnixMilli(), "burst": minute.UnixMilli()},
		}

		rec, err := s.Validate(ctx, "ck_live_secret")
		if err != nil {
			t.Fatalf("Validate()でエラーが発生: %v", err)
		}
		if rec.ID != "j57abc" || rec.ShortID != "ck_live_AbCdEfGh" || rec.Environment != apikey.EnvironmentLive {
			t.Errorf("record = %+v", rec)
		}
		if rec.Quota.PerMinute != 60 || rec.Usage.Minute != 3 {
			t.Errorf("Quota = %+v, Usage = %+v", rec.Quota, rec.Usage)
		}
		if !rec.Anchors.Minute.Equal(minute) {
			t.Errorf("Anchors.Minute = %v, want %v", rec.Anchors.Minute, minute)
		}
		if rec.ExpiresAt == nil || rec.ExpiresAt.Year() != 2027 {
			t.Errorf("ExpiresAt = %v", rec.ExpiresAt)
		}
		fb.mu.Lock()
		defer fb.mu.Unlock()
		if fb.auth != "Convex test-deploy-key" {
			t.Errorf("Authorization = %q", fb.auth)
		}
	})

	t.Run("valueがnullの場合はErrNotFoundになること", func(t *testing.T) {
		t.Parallel()

		_, s := newFakeBackend(t)
		if _, err := s.Validate(ctx, "ck_live_unknown"); !errors.Is(err, apikey.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("関数がエラーを返した場合はErrNotFound以外のエラーになること", func(t *testing.T) {
		t.Parallel()

		fb, s := newFakeBackend(t)
		fb.mu.Lock()
		fb.fail = true
		fb.mu.Unlock()
		_, err := s.Validate(ctx, "ck_live_secret")
		if !errors.Is(err, ErrRemoteFunction) {
			t.Errorf("err = %v, want ErrRemoteFunction", err)
		}
		if errors.Is(err, apikey.ErrNotFound) {
			t.Error("関数のエラーが未登録として扱われた")
		}
	})

	t.Run("使用量の加算とイベントの記録がミューテーションとして送られること", func(t *testing.T) {
		t.Parallel()

		fb, s := newFakeBackend(t)
		if err := s.IncrementUsage(ctx, "ck_live_secret"); err != nil {
			t.Fatalf("IncrementUsage()でエラーが発生: %v", err)
		}
		ev := telemetry.SecurityEvent{
			ID:            "ev1",
			EventType:     telemetry.EventPermissionViolation,
			Severity:      telemetry.SeverityMedium,
			APIKeyShortID: "ck_live_AbCdEfGh",
			Timestamp:     time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		}
		if err := s.RecordSecurityEvent(ctx, ev); err != nil {
			t.Fatalf("RecordSecurityEvent()でエラーが発生: %v", err)
		}

		fb.mu.Lock()
		increments := fb.increments["ck_live_secret"]
		fb.mu.Unlock()
		if increments != 1 {
			t.Errorf("increments = %d, want 1", increments)
		}
		events, err := s.ListSecurityEvents(ctx, 10)
		if err != nil {
			t.Fatalf("ListSecurityEvents()でエラーが発生: %v", err)
		}
		if len(events) != 1 || events[0].ID != "ev1" || events[0].EventType != telemetry.EventPermissionViolation {
			t.Fatalf("events = %+v", events)
		}
		if !events[0].Timestamp.Equal(ev.Timestamp) {
			t.Errorf("Timestamp = %v, want %v", events[0].Timestamp, ev.Timestamp)
		}
	})
}
