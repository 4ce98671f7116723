package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// TestLogging はLoggingミドルウェアのログレベルを検証する。
// グローバルロガーにフックを設定するため並行実行しない。
func TestLogging(t *testing.T) {
	hook := test.NewGlobal()
	t.Cleanup(hook.Reset)

	tests := []struct {
		name      string
		status    int
		wantLevel logrus.Level
	}{
		{name: "2xxはInfoで出力すること", status: http.StatusOK, wantLevel: logrus.InfoLevel},
		{name: "4xxはWarnで出力すること", status: http.StatusUnauthorized, wantLevel: logrus.WarnLevel},
		{name: "5xxはErrorで出力すること", status: http.StatusServiceUnavailable, wantLevel: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook.Reset()

			router := gin.New()
			router.Use(Logging("test"))
			router.GET("/status", func(c *gin.Context) {
				c.Status(tt.status)
			})

			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

			entry := hook.LastEntry()
			if entry == nil {
				t.Fatal("ログが出力されていない")
			}
			if entry.Level != tt.wantLevel {
				t.Errorf("ログレベル = %v, want %v", entry.Level, tt.wantLevel)
			}
			if entry.Data["service"] != "test" {
				t.Errorf("service = %v, want %q", entry.Data["service"], "test")
			}
			if entry.Data["statusCode"] != tt.status {
				t.Errorf("statusCode = %v, want %d", entry.Data["statusCode"], tt.status)
			}
		})
	}
}
