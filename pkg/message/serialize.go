package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed はメッセージ本文をデコードできないことを表す。
var ErrMalformed = errors.New("メッセージの形式が不正です")

// Encode はメッセージをJSONにシリアライズする。
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	return body, nil
}

// Decode はJSON本文を指定された型にデシリアライズする。
func Decode[T any](body []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &v, nil
}

// Validate はOCR応答のバージョンがこのゲートウェイで扱えるかを検証する。
func (r OCRReply) Validate() error {
	if r.Version > OCRReplyVersion {
		return fmt.Errorf("%w: 未対応のOCR応答バージョン %d", ErrMalformed, r.Version)
	}
	return nil
}
