package auth

import (
	"strconv"
	"testing"
)

// TestGenerateOTP はGenerateOTP関数を検証する。
func TestGenerateOTP(t *testing.T) {
	t.Parallel()

	t.Run("常に100000から999999までの6桁の数字を返すこと", func(t *testing.T) {
		t.Parallel()

		for range 1000 {
			code, err := GenerateOTP()
			if err != nil {
				t.Fatalf("GenerateOTP()でエラーが発生: %v", err)
			}
			if len(code) != 6 {
				t.Fatalf("桁数 = %d, want 6 (code=%q)", len(code), code)
			}
			n, err := strconv.Atoi(code)
			if err != nil {
				t.Fatalf("数字以外が含まれている: %q", code)
			}
			if n < otpMin || n > otpMax {
				t.Fatalf("範囲外のOTP: %d", n)
			}
		}
	})
}
