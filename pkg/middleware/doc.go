// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// CORSヘッダーの付与、パニックリカバリ、管理APIのJWT認証を含む。
// APIキーによる認証・認可・レート制限は apiauth パッケージが担当する。
package middleware
