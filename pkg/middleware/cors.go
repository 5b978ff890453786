package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultAllowHeaders はAPIキー認証で受け付けるリクエストヘッダー。
var DefaultAllowHeaders = []string{"Content-Type", "Authorization", "X-API-Key"}

// CORSConfig はCORSヘッダーの設定。
type CORSConfig struct {
	// AllowOrigins は許可するオリジン。"*" を含む場合はすべてのオリジンを許可する。
	AllowOrigins []string
	// AllowMethods は許可するHTTPメソッド。
	AllowMethods []string
	// AllowHeaders は許可するリクエストヘッダー。空の場合は DefaultAllowHeaders。
	AllowHeaders []string
	// MaxAge はプリフライト結果のキャッシュ秒数。0の場合は付与しない。
	MaxAge string
}

// PublicCORS は全オリジンを許可する公開API用の設定を返す。
func PublicCORS(methods ...string) CORSConfig {
	return CORSConfig{AllowOrigins: []string{"*"}, AllowMethods: methods}
}

// SetCORSHeaders はリクエストのOriginが許可されていればCORSヘッダーを設定する。
// 全オリジン許可の場合はOriginの有無にかかわらず "*" を設定する。
func SetCORSHeaders(c *gin.Context, cfg CORSConfig) {
	allowOrigin := ""
	if slices.Contains(cfg.AllowOrigins, "*") {
		allowOrigin = "*"
	} else if origin := c.GetHeader("Origin"); origin != "" && slices.Contains(cfg.AllowOrigins, origin) {
		allowOrigin = origin
		c.Header("Vary", "Origin")
	}
	if allowOrigin == "" {
		return
	}

	headers := cfg.AllowHeaders
	if len(headers) == 0 {
		headers = DefaultAllowHeaders
	}
	c.Header("Access-Control-Allow-Origin", allowOrigin)
	c.Header("Access-Control-Allow-Methods", strings.Join(cfg.AllowMethods, ", "))
	c.Header("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	if cfg.MaxAge != "" {
		c.Header("Access-Control-Max-Age", cfg.MaxAge)
	}
}

// CORS はCORSヘッダーを付与し、OPTIONSリクエストを204で終了するGinミドルウェアを返す。
// 管理画面（フロントエンド）からのアクセスを許可するために使用する。
func CORS(cfg CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		SetCORSHeaders(c, cfg)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
