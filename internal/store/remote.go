package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/httpclient"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

// ErrRemoteFunction はBaaSの関数がエラーを返したことを表す。
var ErrRemoteFunction = errors.New("store: remote function failed")

// BaaSの関数名。
const (
	remoteValidate       = "apiKeys:validate"
	remoteIncrementUsage = "apiKeys:incrementUsage"
	remoteLogEvent       = "securityEvents:log"
	remoteRecentEvents   = "securityEvents:recent"
)

// RemoteStore は管理画面のBaaSが公開するクエリとミューテーションを呼び出すバックエンド。
// キーの発行は管理画面が担うため、このバックエンドは発行に対応しない。
type RemoteStore struct {
	client *httpclient.Client
}

// NewRemoteStore は新しいRemoteStoreを生成する。
func NewRemoteStore(client *httpclient.Client) *RemoteStore {
	return &RemoteStore{client: client}
}

// functionCall は関数呼び出しのリクエスト。
type functionCall struct {
	Path   string `json:"path"`
	Args   any    `json:"args"`
	Format string `json:"format"`
}

// functionResult は関数呼び出しのレスポンス。
type functionResult struct {
	Status       string          `json:"status"`
	Value        json.RawMessage `json:"value"`
	ErrorMessage string          `json:"errorMessage"`
}

// remoteKey はBaaSが返すキーのドキュメント。時刻はUnixミリ秒。
type remoteKey struct {
	ID           string               `json:"_id"`
	ShortID      string               `json:"keyId"`
	Name         string               `json:"name"`
	Environment  apikey.Environment   `json:"environment"`
	IsActive     bool                 `json:"isActive"`
	IsRevoked    bool                 `json:"isRevoked"`
	ExpiresAt    *float64             `json:"expiresAt"`
	Permissions  []string             `json:"permissions"`
	RateLimits   apikey.QuotaPolicy   `json:"rateLimits"`
	Usage        apikey.UsageCounters `json:"usage"`
	WindowStarts struct {
		Minute float64 `json:"minute"`
		Hour   float64 `json:"hour"`
		Day    float64 `json:"day"`
		Burst  float64 `json:"burst"`
	} `json:"windowStarts"`
	LastUsedAt *float64 `json:"lastUsedAt"`
}

// remoteEvent はBaaSに記録するイベントのドキュメント。
type remoteEvent struct {
	EventID       string         `json:"eventId"`
	EventType     string         `json:"eventType"`
	Severity      string         `json:"severity"`
	Description   string         `json:"description"`
	Details       map[string]any `json:"details,omitempty"`
	IPAddress     string         `json:"ipAddress"`
	UserAgent     string         `json:"userAgent"`
	RequestURL    string         `json:"requestUrl"`
	RequestMethod string         `json:"requestMethod"`
	APIKeyShortID string         `json:"apiKeyId,omitempty"`
	Environment   string         `json:"environment,omitempty"`
	Timestamp     float64        `json:"timestamp"`
}

// Validate はクエリでキーを検索する。valueがnullの場合は未登録。
func (s *RemoteStore) Validate(ctx context.Context, credential string) (*apikey.Record, error) {
	var doc *remoteKey
	if err := s.call(ctx, "query", remoteValidate, map[string]string{"key": credential}, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apikey.ErrNotFound
	}
	return doc.record(), nil
}

// IncrementUsage はミューテーションで使用量を加算する。
func (s *RemoteStore) IncrementUsage(ctx context.Context, credential string) error {
	return s.call(ctx, "mutation", remoteIncrementUsage, map[string]string{"key": credential}, nil)
}

// RecordSecurityEvent はミューテーションでイベントを記録する。
func (s *RemoteStore) RecordSecurityEvent(ctx context.Context, ev telemetry.SecurityEvent) error {
	doc := remoteEvent{
		EventID:       ev.ID,
		EventType:     string(ev.EventType),
		Severity:      string(ev.Severity),
		Description:   ev.Description,
		Details:       ev.Details,
		IPAddress:     ev.IPAddress,
		UserAgent:     ev.UserAgent,
		RequestURL:    ev.RequestURL,
		RequestMethod: ev.RequestMethod,
		APIKeyShortID: ev.APIKeyShortID,
		Environment:   string(ev.Environment),
		Timestamp:     float64(ev.Timestamp.UnixMilli()),
	}
	return s.call(ctx, "mutation", remoteLogEvent, doc, nil)
}

// ListSecurityEvents はクエリで新しい順にイベントを取得する。
func (s *RemoteStore) ListSecurityEvents(ctx context.Context, limit int) ([]telemetry.SecurityEvent, error) {
	var docs []remoteEvent
	if err := s.call(ctx, "query", remoteRecentEvents, map[string]int{"limit": ClampLimit(limit)}, &docs); err != nil {
		return nil, err
	}
	events := make([]telemetry.SecurityEvent, 0, len(docs))
	for _, d := range docs {
		events = append(events, telemetry.SecurityEvent{
			ID:            d.EventID,
			EventType:     telemetry.EventType(d.EventType),
			Severity:      telemetry.Severity(d.Severity),
			Description:   d.Description,
			Details:       d.Details,
			IPAddress:     d.IPAddress,
			UserAgent:     d.UserAgent,
			RequestURL:    d.RequestURL,
			RequestMethod: d.RequestMethod,
			APIKeyShortID: d.APIKeyShortID,
			Environment:   apikey.Environment(d.Environment),
			Timestamp:     millisToTime(d.Timestamp),
		})
	}
	return events, nil
}

// call は関数を呼び出し、成功時はvalueをoutにデシリアライズする。
func (s *RemoteStore) call(ctx context.Context, kind, path string, args any, out any) error {
	var res functionResult
	req := functionCall{Path: path, Args: args, Format: "json"}
	if err := s.client.PostJSON(ctx, "/api/"+kind, req, &res); err != nil {
		return fmt.Errorf("%s の呼び出しに失敗: %w", path, err)
	}
	if res.Status != "success" {
		return fmt.Errorf("%w: %s: %s", ErrRemoteFunction, path, res.ErrorMessage)
	}
	if out == nil || len(res.Value) == 0 || bytes.Equal(res.Value, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return fmt.Errorf("%s の結果のデシリアライズに失敗: %w", path, err)
	}
	return nil
}

func (d *remoteKey) record() *apikey.Record {
	rec := &apikey.Record{
		ID:           d.ID,
		ShortID:      d.ShortID,
		Name:         d.Name,
		Environment:  d.Environment,
		IsActive:     d.IsActive,
		IsRevoked:    d.IsRevoked,
		Capabilities: d.Permissions,
		Quota:        d.RateLimits,
		Usage:        d.Usage,
		Anchors: apikey.WindowAnchors{
			Minute: millisToTime(d.WindowStarts.Minute),
			Hour:   millisToTime(d.WindowStarts.Hour),
			Day:    millisToTime(d.WindowStarts.Day),
			Burst:  millisToTime(d.WindowStarts.Burst),
		},
	}
	if d.ExpiresAt != nil {
		t := millisToTime(*d.ExpiresAt)
		rec.ExpiresAt = &t
	}
	if d.LastUsedAt != nil {
		t := millisToTime(*d.LastUsedAt)
		rec.LastUsedAt = &t
	}
	return rec
}

func millisToTime(ms float64) time.Time {
	return fromUnixMilli(int64(ms))
}
