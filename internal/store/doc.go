// Package store はAPIキーのレコードとセキュリティイベントを保持するバックエンドを提供する。
//
// すべてのバックエンドは apiauth.CredentialStore と telemetry.Sink を実装する。
// クレデンシャルは平文では保存せず、apikey.Digest で得たダイジェストをキーにする。
//
//   - MemoryStore: 開発・テスト用のインメモリ実装
//   - SQLiteStore: modernc.org/sqlite による永続化
//   - RedisStore: 使用量の加算をLuaスクリプトでサーバー側に寄せた実装
//   - RemoteStore: 管理画面のBaaSが公開する関数をHTTPで呼び出す実装
//   - NegativeCache: 未登録キーの検索結果を一定時間記憶するデコレータ
package store
