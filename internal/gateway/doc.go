// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。/auth 配下のリクエストは認証サービスに転送し、/ocr は
// Bearerトークンを検証したうえでブローカー経由でOCRワーカーを同期的に呼び出す。
// トークンの検証はブローカーに触れる前に行う。
package gateway
