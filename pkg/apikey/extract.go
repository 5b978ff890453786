package apikey

import (
	"net/http"
	"strings"
)

const (
	// HeaderAPIKey はクレデンシャルを直接渡すためのヘッダー。
	HeaderAPIKey = "X-API-Key"
	// QueryAPIKey はクレデンシャルを渡すためのクエリパラメータ名。
	QueryAPIKey = "api_key"
)

// Extract はリクエストからクレデンシャルを取り出す。
// Authorization: Bearer、X-API-Key ヘッダー、api_key クエリパラメータの順に探し、
// 最初に見つかった空でない値を返す。形式の検証は行わない。
func Extract(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token, true
	}
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key, true
	}
	if r.URL != nil {
		if key := strings.TrimSpace(r.URL.Query().Get(QueryAPIKey)); key != "" {
			return key, true
		}
	}
	return "", false
}

// bearerToken は "Bearer <token>" 形式のヘッダー値からトークンを取り出す。
// スキーム名は大文字小文字を区別しない。
func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
