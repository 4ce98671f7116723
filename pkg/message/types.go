package message

import "encoding/base64"

// OCRReplyVersion はゲートウェイが理解するOCR応答スキーマのバージョン。
const OCRReplyVersion = 1

// OCRRequest はゲートウェイがOCRワーカーに送るリクエスト。
type OCRRequest struct {
	// UserName はリクエストしたユーザーの表示名。
	UserName string `json:"user_name"`
	// UserEmail はリクエストしたユーザーのメールアドレス。
	UserEmail string `json:"user_email"`
	// UserID はリクエストしたユーザーのID。
	UserID string `json:"user_id"`
	// File は認識対象ファイルのBase64文字列。
	File string `json:"file"`
}

// NewOCRRequest はユーザー情報とファイル内容からOCRリクエストを生成する。
func NewOCRRequest(userID, name, email string, file []byte) OCRRequest {
	return OCRRequest{
		UserName:  name,
		UserEmail: email,
		UserID:    userID,
		File:      base64.StdEncoding.EncodeToString(file),
	}
}

// FileBytes はBase64をデコードしたファイル内容を返す。
func (r OCRRequest) FileBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.File)
}

// OCRReply はOCRワーカーが返す応答。
// ゲートウェイは応答をそのままクライアントに返すため、未知のフィールドも保持される。
type OCRReply struct {
	// Version はスキーマのバージョン。0は旧ワーカー（バージョン無し）を表す。
	Version int `json:"version,omitempty"`
	// Text は認識されたテキスト。
	Text string `json:"text"`
	// Error はワーカー側で発生したエラー。成功時は空。
	Error string `json:"error,omitempty"`
}

// Notification はメール通知ワーカーに送る通知メッセージ。
type Notification struct {
	// Email は宛先メールアドレス。
	Email string `json:"email"`
	// Subject は件名。
	Subject string `json:"subject"`
	// Other は予備フィールド。ワーカーとの互換のため常に "null" を設定する。
	Other string `json:"other"`
	// Body は本文。
	Body string `json:"body"`
}

// NewNotification は通知メッセージを生成する。
func NewNotification(email, subject, body string) Notification {
	return Notification{
		Email:   email,
		Subject: subject,
		Other:   "null",
		Body:    body,
	}
}
