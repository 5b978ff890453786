package telemetry

import (
	"fmt"
	"maps"
	"time"

	"github.com/nao1215/tradegate/pkg/apikey"
)

// OutcomeKind はリクエストの終端状態の種類。
type OutcomeKind int

const (
	// OutcomeSuccess はハンドラまで到達し正常に応答したことを表す。
	OutcomeSuccess OutcomeKind = iota
	// OutcomeMissingCredential はクレデンシャルが無かったことを表す。
	OutcomeMissingCredential
	// OutcomeInvalidCredential はクレデンシャルが認識できない、または失効等で使えないことを表す。
	OutcomeInvalidCredential
	// OutcomePermissionDenied は権限不足を表す。
	OutcomePermissionDenied
	// OutcomeRateLimited はレート制限による拒否を表す。
	OutcomeRateLimited
	// OutcomeUpstreamUnavailable はクレデンシャルストアに到達できなかったことを表す。
	OutcomeUpstreamUnavailable
	// OutcomeInternal は予期しないエラーを表す。
	OutcomeInternal
)

// String はメトリクスのラベル等に使う名前を返す。
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeMissingCredential:
		return "missing_credential"
	case OutcomeInvalidCredential:
		return "invalid_credential"
	case OutcomePermissionDenied:
		return "permission_denied"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeUpstreamUnavailable:
		return "upstream_unavailable"
	case OutcomeInternal:
		return "internal"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// RequestInfo はイベントに記録するリクエストの属性。
type RequestInfo struct {
	IPAddress string
	UserAgent string
	URL       string
	Method    string
}

// Outcome は1リクエストの終端状態。
type Outcome struct {
	Kind    OutcomeKind
	Request RequestInfo
	// Key は検証済みのレコード。検証前に終了した場合はnil。
	Key *apikey.Record
	// Reason は利用者向けの説明。
	Reason string
	// Details はイベントに添付する補足情報。
	Details map[string]any
	// At はリクエストの終端時刻。
	At time.Time
}

// Classifier は終端状態をセキュリティイベントに分類する。
type Classifier struct {
	// OffHoursStart は時間外とみなす時間帯の開始時（0-23）。
	OffHoursStart int
	// OffHoursEnd は時間外とみなす時間帯の終了時（0-23、この時は含まない）。
	OffHoursEnd int
	// OffHoursDisabled がtrueの場合は時間外ヒューリスティックを無効にする。
	OffHoursDisabled bool
	// Location は時間外判定に使うタイムゾーン。nilの場合はサーバーのローカル時刻。
	Location *time.Location
}

// DefaultClassifier は22時から6時を時間外とする分類器を返す。
func DefaultClassifier() Classifier {
	return Classifier{OffHoursStart: 22, OffHoursEnd: 6}
}

// Classify は1つの主イベントと、0個以上のヒューリスティックイベントを返す。
// 失敗時は常に multiple_failed_attempts を追加する。重複排除は下流の責務である。
// 成功時は時間外であれば unusual_ip_activity を追加する。これはIPの評判に基づかない
// 単純な判定で、時間外に動く自動処理もすべて検出される。
func (c Classifier) Classify(o Outcome) []SecurityEvent {
	primary := c.event(o, o.Reason)
	primary.EventType, primary.Severity = primaryType(o.Kind)
	events := []SecurityEvent{primary}

	if o.Kind != OutcomeSuccess {
		extra := c.event(o, "Failed API request from "+o.Request.IPAddress)
		extra.EventType = EventMultipleFailedAttempts
		extra.Severity = SeverityMedium
		extra.Details["failureType"] = o.Kind.String()
		events = append(events, extra)
		return events
	}

	if c.isOffHours(o.At) {
		extra := c.event(o, "API key used outside business hours")
		extra.EventType = EventUnusualIPActivity
		extra.Severity = SeverityLow
		extra.Details["localHour"] = c.localHour(o.At)
		events = append(events, extra)
	}
	return events
}

// event はOutcomeから共通フィールドを埋めたイベントを作る。
func (c Classifier) event(o Outcome, description string) SecurityEvent {
	details := make(map[string]any, len(o.Details)+2)
	maps.Copy(details, o.Details)
	details["outcome"] = o.Kind.String()

	ev := SecurityEvent{
		ID:            newEventID(),
		Description:   description,
		Details:       details,
		IPAddress:     o.Request.IPAddress,
		UserAgent:     o.Request.UserAgent,
		RequestURL:    o.Request.URL,
		RequestMethod: o.Request.Method,
		Timestamp:     o.At,
	}
	if o.Key != nil {
		ev.APIKeyShortID = o.Key.ShortID
		ev.Environment = o.Key.Environment
	}
	return ev
}

// primaryType は終端状態に対応する主イベントの種類と重大度を返す。
func primaryType(kind OutcomeKind) (EventType, Severity) {
	switch kind {
	case OutcomeSuccess:
		return EventAPIKeyAuthenticated, SeverityLow
	case OutcomeMissingCredential, OutcomeInvalidCredential:
		return EventInvalidAPIKey, SeverityMedium
	case OutcomeRateLimited:
		return EventRateLimitExceeded, SeverityLow
	case OutcomePermissionDenied:
		return EventPermissionViolation, SeverityMedium
	default:
		return EventSuspiciousUsagePattern, SeverityLow
	}
}

func (c Classifier) localHour(t time.Time) int {
	if c.Location != nil {
		return t.In(c.Location).Hour()
	}
	return t.Local().Hour()
}

// isOffHours はtが時間外の時間帯に含まれるかを返す。日付をまたぐ時間帯にも対応する。
func (c Classifier) isOffHours(t time.Time) bool {
	if c.OffHoursDisabled || c.OffHoursStart == c.OffHoursEnd {
		return false
	}
	h := c.localHour(t)
	if c.OffHoursStart > c.OffHoursEnd {
		return h >= c.OffHoursStart || h < c.OffHoursEnd
	}
	return h >= c.OffHoursStart && h < c.OffHoursEnd
}
