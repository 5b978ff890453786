// Package apikey はAPIキー（クレデンシャル）のデータモデルと、
// リクエストからのクレデンシャル抽出・キー生成を提供する。
//
// レコード本体は外部ストアが所有し、gatewayはリクエスト単位の読み取り専用コピーとして扱う。
package apikey
