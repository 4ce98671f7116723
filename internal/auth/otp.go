package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// otpMin はOTPの最小値。
	otpMin = 100000
	// otpMax はOTPの最大値。
	otpMax = 999999
)

// GenerateOTP は 100000 から 999999 までの一様な6桁のOTPを生成する。
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpMax-otpMin+1))
	if err != nil {
		return "", fmt.Errorf("OTPの生成に失敗: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+otpMin), nil
}
