package apiauth

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/tradegate/pkg/apikey"
)

// Meta は成功応答に付与するキーの情報。
type Meta struct {
	APIKeyID    string             `json:"apiKeyId"`
	Environment apikey.Environment `json:"environment"`
	Timestamp   time.Time          `json:"timestamp"`
}

// successBody は成功応答のJSON。
type successBody struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Meta    Meta `json:"meta"`
}

// errorBody は失敗応答のJSON。
type errorBody struct {
	Success bool               `json:"success"`
	Error   string             `json:"error"`
	Code    string             `json:"code"`
	Details *PermissionDetails `json:"details,omitempty"`
}

// Success は検証済みキーの情報を付けて成功応答を書き込む。
func Success(c *gin.Context, status int, key *apikey.Record, data any) {
	meta := Meta{Timestamp: time.Now().UTC()}
	if key != nil {
		meta.APIKeyID = key.ShortID
		meta.Environment = key.Environment
	}
	c.JSON(status, successBody{Success: true, Data: data, Meta: meta})
}

// writeError は失敗応答を書き込み、以降のハンドラを中断する。
func writeError(c *gin.Context, e *Error) {
	if e.RetryAfter > 0 {
		c.Header("Retry-After", strconv.FormatInt(e.RetryAfter, 10))
	}
	c.AbortWithStatusJSON(e.Status, errorBody{
		Success: false,
		Error:   e.Message,
		Code:    e.Code,
		Details: e.Details,
	})
}
