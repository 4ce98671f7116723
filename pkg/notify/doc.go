// Package notify はメール通知をブローカーのキューに発行する。
//
// キューは Producer の生成時に一度だけ durable として冪等に宣言し、送信時に
// 削除や再作成は行わない。送信ごとに新しい接続を開き、成否にかかわらず
// チャネルと接続を閉じる。
package notify
