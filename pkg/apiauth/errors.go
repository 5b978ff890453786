package apiauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/permission"
	"github.com/nao1215/tradegate/pkg/ratelimit"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

// Kind はゲートウェイが返すエラーの分類。
type Kind int

const (
	// KindMissingCredential はクレデンシャルが無いことを表す。
	KindMissingCredential Kind = iota + 1
	// KindInvalidCredential はクレデンシャルが未登録・失効・無効・期限切れであることを表す。
	KindInvalidCredential
	// KindInsufficientPermission は権限不足を表す。
	KindInsufficientPermission
	// KindRateLimited はレート制限による拒否を表す。
	KindRateLimited
	// KindUpstreamUnavailable はクレデンシャルストアに到達できないことを表す。
	KindUpstreamUnavailable
	// KindInternal は予期しないエラーを表す。
	KindInternal
)

// レスポンスのエラーコード。
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeRateLimited  = "RATE_LIMITED"
	CodeError        = "ERROR"
)

func (k Kind) String() string {
	switch k {
	case KindMissingCredential:
		return "MissingCredential"
	case KindInvalidCredential:
		return "InvalidCredential"
	case KindInsufficientPermission:
		return "InsufficientPermission"
	case KindRateLimited:
		return "RateLimited"
	case KindUpstreamUnavailable:
		return "UpstreamUnavailable"
	case KindInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// outcome はテレメトリ上の終端状態に変換する。
func (k Kind) outcome() telemetry.OutcomeKind {
	switch k {
	case KindMissingCredential:
		return telemetry.OutcomeMissingCredential
	case KindInvalidCredential:
		return telemetry.OutcomeInvalidCredential
	case KindInsufficientPermission:
		return telemetry.OutcomePermissionDenied
	case KindRateLimited:
		return telemetry.OutcomeRateLimited
	case KindUpstreamUnavailable:
		return telemetry.OutcomeUpstreamUnavailable
	default:
		return telemetry.OutcomeInternal
	}
}

// PermissionDetails は403応答に含める権限の診断情報。
type PermissionDetails struct {
	MissingPermission    string   `json:"missingPermission"`
	AvailablePermissions []string `json:"availablePermissions"`
	RequiredPermissions  []string `json:"requiredPermissions"`
}

// Error は呼び出し元に返す失敗応答。
// クレデンシャルストアの実装はこの型を返すことで、検証失敗時のメッセージとステータスを指定できる。
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	// Details は権限不足の場合のみ設定される。
	Details *PermissionDetails
	// RetryAfter はレート制限時のRetry-After秒数。
	RetryAfter int64

	// events はセキュリティイベントに添付する補足情報。
	events map[string]any
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewInvalidCredentialError はストアが独自のメッセージで検証失敗を返すためのエラーを生成する。
// statusが0の場合は401になる。
func NewInvalidCredentialError(status int, message string) *Error {
	if status == 0 {
		status = http.StatusUnauthorized
	}
	return &Error{
		Kind:    KindInvalidCredential,
		Status:  status,
		Code:    CodeUnauthorized,
		Message: message,
		events:  map[string]any{"reason": "validator_rejected"},
	}
}

func errMissingCredential() *Error {
	return &Error{
		Kind:    KindMissingCredential,
		Status:  http.StatusUnauthorized,
		Code:    CodeUnauthorized,
		Message: "API key is required",
		events:  map[string]any{"reason": "missing"},
	}
}

// errFromValidation はストアの検証エラーを分類する。
// 未登録以外のエラーはストア障害とみなし、リクエストは拒否する。
func errFromValidation(err error) *Error {
	var custom *Error
	if errors.As(err, &custom) {
		e := *custom
		if e.Kind == 0 {
			e.Kind = KindInvalidCredential
		}
		if e.Status == 0 {
			e.Status = http.StatusUnauthorized
		}
		if e.Code == "" {
			e.Code = CodeUnauthorized
		}
		return &e
	}
	if errors.Is(err, apikey.ErrNotFound) {
		return invalidCredential("Invalid API key", "not_found", err)
	}
	return &Error{
		Kind:    KindUpstreamUnavailable,
		Status:  http.StatusUnauthorized,
		Code:    CodeUnauthorized,
		Message: "Unable to validate API key",
		events:  map[string]any{"reason": "store_unavailable"},
		cause:   err,
	}
}

// errFromStatus はレコードの状態エラーを分類する。
func errFromStatus(err error) *Error {
	switch {
	case errors.Is(err, apikey.ErrRevoked):
		return invalidCredential("API key has been revoked", "revoked", err)
	case errors.Is(err, apikey.ErrInactive):
		return invalidCredential("API key is inactive", "inactive", err)
	case errors.Is(err, apikey.ErrExpired):
		return invalidCredential("API key has expired", "expired", err)
	default:
		return invalidCredential("Invalid API key", "invalid", err)
	}
}

func invalidCredential(message, reason string, cause error) *Error {
	return &Error{
		Kind:    KindInvalidCredential,
		Status:  http.StatusUnauthorized,
		Code:    CodeUnauthorized,
		Message: message,
		events:  map[string]any{"reason": reason},
		cause:   cause,
	}
}

func errForbidden(res permission.Result) *Error {
	return &Error{
		Kind:    KindInsufficientPermission,
		Status:  http.StatusForbidden,
		Code:    CodeForbidden,
		Message: res.Message,
		Details: &PermissionDetails{
			MissingPermission:    res.Required,
			AvailablePermissions: res.Available,
			RequiredPermissions:  []string{res.Required},
		},
		events: map[string]any{
			"requiredPermission":   res.Required,
			"availablePermissions": res.Available,
		},
	}
}

func errRateLimited(d ratelimit.Decision) *Error {
	retryAfter := d.RetryAfterSeconds()
	return &Error{
		Kind:       KindRateLimited,
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("Rate limit exceeded: %d requests per %s. Try again in %d seconds.", d.Limit, d.Window, retryAfter),
		RetryAfter: retryAfter,
		events: map[string]any{
			"window":     d.Window.String(),
			"limit":      d.Limit,
			"current":    d.Current,
			"retryAfter": retryAfter,
		},
		cause: d.Err(),
	}
}

func errInternal(cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Code:    CodeError,
		Message: "Internal server error",
		events:  map[string]any{"reason": "internal"},
		cause:   cause,
	}
}
