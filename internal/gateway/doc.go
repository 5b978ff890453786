// Package gateway はtradegateのHTTPサービスの内部実装を提供する。
//
// 業務APIをAPIキーで保護してバックエンドに転送し、管理者JWTで保護された
// キー発行とセキュリティイベント参照の管理APIを提供する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
package gateway
