// Package token は認証済みIDを表す署名付きトークン（HS256 JWT）の発行と検証を行う。
//
// ペイロードは {id, email, name, is_verified} のみで、パスワードハッシュと作成日時は
// 含まない。有効期限は WithTTL を指定した場合のみ付与され、検証時は exp クレームが
// 存在する場合に限り期限切れを判定する。失効リストは持たない。
package token
