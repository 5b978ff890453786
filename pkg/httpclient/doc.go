// Package httpclient は外部バックエンドとのHTTP通信を行うクライアントを提供する。
//
// クレデンシャルストアとして使うBaaSの関数呼び出しと、業務APIのバックエンドへの
// 転送の両方で使用する。検証済みキーの公開IDと環境はコンテキスト経由で伝播する。
package httpclient
