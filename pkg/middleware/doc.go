// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークンの検証、構造化リクエストログ、パニックリカバリなど、
// ゲートウェイと認証サービスで共通して使用するミドルウェアを含む。
package middleware
