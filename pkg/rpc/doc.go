// Package rpc はAMQPブローカー上のリクエスト/リプライを同期呼び出しに変換する。
//
// Client は構築時に専用チャネルと排他・自動命名の応答キューを用意し、
// 応答キューを1つのゴルーチンで購読する。Call ごとに新しい相関IDを発行して
// 保留テーブルに登録し、一致する相関IDの応答が届くか期限が切れるまで待機する。
// 保留テーブルは相関IDをキーとするため、同一 Client で並行に呼び出せる。
// 保留テーブルに存在しない相関IDの応答（期限切れ後の遅延応答など）は破棄する。
package rpc
