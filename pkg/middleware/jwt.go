package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// jwtIssuer は管理用トークンの発行者名。
const jwtIssuer = "tradegate-admin"

// RoleAdmin は管理APIを利用できるロール。
const RoleAdmin = "admin"

// AdminClaims は管理APIのJWTクレーム。
type AdminClaims struct {
	jwt.RegisteredClaims
	// Role は管理者のロール。
	Role string `json:"role"`
}

// contextKeyAdminSubject はGinコンテキストに管理者の識別子を格納するキー。
const contextKeyAdminSubject = "admin_subject"

// GenerateAdminJWT は管理者用のJWTを生成する。ttlはトークンの有効期間。
func GenerateAdminJWT(secret, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseAdminJWT はトークンを検証してクレームを返す。HS256以外の署名は受け付けない。
func ParseAdminJWT(secret, token string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(jwtIssuer))
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("トークンが無効です")
	}
	return claims, nil
}

// JWTAuth は管理者JWTを検証するGinミドルウェアを返す。
// adminロールを持つトークンのみ通過させ、コンテキストに管理者の識別子を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			abortUnauthorized(c, http.StatusUnauthorized, "Malformed bearer token")
			return
		}

		claims, err := ParseAdminJWT(secret, tokenString)
		if err != nil {
			abortUnauthorized(c, http.StatusUnauthorized, "Invalid token")
			return
		}
		if claims.Role != RoleAdmin {
			abortUnauthorized(c, http.StatusForbidden, "Admin role is required")
			return
		}

		c.Set(contextKeyAdminSubject, claims.Subject)
		c.Next()
	}
}

// GetAdminSubject はGinコンテキストから管理者の識別子を取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetAdminSubject(c *gin.Context) string {
	v, _ := c.Get(contextKeyAdminSubject)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func abortUnauthorized(c *gin.Context, status int, msg string) {
	code := "UNAUTHORIZED"
	if status == http.StatusForbidden {
		code = "FORBIDDEN"
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg, "code": code})
}
