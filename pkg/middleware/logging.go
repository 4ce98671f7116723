package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Logging はリクエストごとに構造化ログを出力するGinミドルウェアを返す。
// ステータスコードが4xxの場合はWarn、5xxの場合はErrorで出力する。
func Logging(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"service":    service,
			"remoteAddr": c.ClientIP(),
			"statusCode": status,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"latency":    time.Since(start).String(),
		})
		if userID := GetUserID(c); userID != "" {
			entry = entry.WithField("userID", userID)
		}

		msg := fmt.Sprintf("%s %s %d", c.Request.Method, c.Request.URL.Path, status)
		switch {
		case status >= 500:
			entry.Error(msg)
		case status >= 400:
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}
