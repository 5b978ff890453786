// Package apiauth はAPIキーで保護されたルートのゲートウェイ処理を提供する。
//
// Guard.Protect が返すハンドラは、クレデンシャルの抽出、ストアによる検証、
// 権限の確認、レート制限の判定を順に行い、すべて通過した場合にのみ
// 呼び出し側のハンドラを実行する。どの段階で終了しても、応答を返す前に
// セキュリティイベントを非同期に発行する。
package apiauth
