// Package auth は認証サービスの内部実装を提供する。
//
// ユーザー登録、パスワード認証、アクセストークンの発行、
// ワンタイムパスワード（OTP）によるメールアドレス検証を担当する。
// ユーザーはSQLiteに保存し、OTPは有効期限付きのインメモリキャッシュで管理する。
// OTPの通知はブローカーの email_notification キューに発行する。
package auth
