package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/ocrgate/pkg/httpclient"
	log "github.com/sirupsen/logrus"
)

// loginRequest はログインリクエスト。username にはメールアドレスを指定する。
type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// registerRequest はユーザー登録リクエスト。
type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// generateOTPRequest はOTP発行リクエスト。
type generateOTPRequest struct {
	Email string `json:"email" binding:"required"`
}

// verifyOTPRequest はOTP検証リクエスト。
type verifyOTPRequest struct {
	Email string `json:"email" binding:"required"`
	OTP   string `json:"otp" binding:"required"`
}

// handleAuthProxy はリクエストを検証して認証サービスの path に転送するハンドラを返す。
// 認証サービスのステータスコードと本文はそのまま返す。
func (s *Server) handleAuthProxy(path string, newRequest func() any) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := newRequest()
		if err := c.ShouldBindJSON(req); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "リクエストが不正です: " + err.Error()})
			return
		}

		resp, err := s.authClient.PostJSON(c.Request.Context(), path, req)
		if errors.Is(err, httpclient.ErrUnreachable) {
			log.WithError(err).WithField("path", path).Error("認証サービスとの通信に失敗しました")
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Authentication service is down."})
			return
		}
		if err != nil {
			log.WithError(err).WithField("path", path).Error("プロキシリクエストの作成に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "プロキシリクエストの作成に失敗しました"})
			return
		}

		c.Data(resp.StatusCode, resp.ContentType, resp.Body)
	}
}
