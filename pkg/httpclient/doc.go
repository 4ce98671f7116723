// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ゲートウェイが認証サービスのAPIを呼び出す際に使用する。レスポンスの
// ステータスコードと本文はそのまま呼び出し元に返し、接続自体に失敗した
// 場合のみ ErrUnreachable を返す。
package httpclient
