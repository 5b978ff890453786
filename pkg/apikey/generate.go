package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// secretBytes はキー本体に使う乱数のバイト数。
const secretBytes = 24

// shortIDLength はShortIDに含めるキー本体の先頭文字数。
const shortIDLength = 8

// Generate は新しいクレデンシャルと、その公開識別子を生成する。
// 形式は "ck_<env>_<base58>"。ShortIDは接頭辞とキー本体の先頭8文字からなる。
func Generate(env Environment) (secret, shortID string, err error) {
	if !env.Valid() {
		return "", "", fmt.Errorf("未知の環境です: %q", env)
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("乱数の生成に失敗: %w", err)
	}

	prefix := "ck_" + string(env) + "_"
	body := base58.Encode(buf)
	return prefix + body, prefix + body[:shortIDLength], nil
}

// Digest はクレデンシャルのSHA-256ダイジェストを16進文字列で返す。
// ストアは生のクレデンシャルではなくこの値でレコードを索引する。
func Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
