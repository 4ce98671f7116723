// Package message はブローカー上でやり取りするメッセージのエンベロープを定義する。
//
// OCRリクエスト、OCR応答、メール通知の3種類があり、すべてJSONでシリアライズされる。
// OCR応答はサービス境界を越えるため、スキーマにバージョン番号を持つ。
package message
