// Package telemetry はgatewayが生成するセキュリティイベントの分類と配送を提供する。
//
// gatewayはイベントの生産者であり、生成したイベントを読み戻すことはない。
// 配送はリクエスト処理から切り離され、シンクの障害が応答に影響することはない。
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/tradegate/pkg/apikey"
)

// EventType はセキュリティイベントの種類。
type EventType string

const (
	// EventInvalidAPIKey はクレデンシャルが無い、または認識できないことを表す。
	EventInvalidAPIKey EventType = "invalid_api_key"
	// EventRateLimitExceeded はレート制限による拒否を表す。
	EventRateLimitExceeded EventType = "rate_limit_exceeded"
	// EventPermissionViolation は権限不足による拒否を表す。
	EventPermissionViolation EventType = "permission_violation"
	// EventSuspiciousUsagePattern はその他の失敗を表す。
	EventSuspiciousUsagePattern EventType = "suspicious_usage_pattern"
	// EventMultipleFailedAttempts は下流での集計・閾値アラート用に失敗ごとに発行される。
	EventMultipleFailedAttempts EventType = "multiple_failed_attempts"
	// EventUnusualIPActivity は時間外の成功リクエストを表す。
	EventUnusualIPActivity EventType = "unusual_ip_activity"
	// EventAPIKeyAuthenticated は認証・認可・レート制限をすべて通過したリクエストを表す。
	EventAPIKeyAuthenticated EventType = "api_key_authenticated"
)

// Severity はイベントの重大度。
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SecurityEvent はシンクに渡される不変のイベントレコード。
type SecurityEvent struct {
	ID            string             `json:"id"`
	EventType     EventType          `json:"eventType"`
	Severity      Severity           `json:"severity"`
	Description   string             `json:"description"`
	Details       map[string]any     `json:"details,omitempty"`
	IPAddress     string             `json:"ipAddress"`
	UserAgent     string             `json:"userAgent"`
	RequestURL    string             `json:"requestUrl"`
	RequestMethod string             `json:"requestMethod"`
	APIKeyShortID string             `json:"apiKeyShortId,omitempty"`
	Environment   apikey.Environment `json:"environment,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Sink はセキュリティイベントの永続的な記録先。
type Sink interface {
	RecordSecurityEvent(ctx context.Context, event SecurityEvent) error
}

// newEventID はイベントIDを生成する。
func newEventID() string {
	return uuid.NewString()
}
