package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/ocrgate/pkg/token"
)

const (
	// contextKeyClaims は検証済みクレームを格納するGinコンテキストキー。
	contextKeyClaims = "claims"
	// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
	headerKeyUserID = "X-User-ID"
)

// TokenValidator はBearerトークンを検証する。*token.Service が満たす。
type TokenValidator interface {
	Validate(tokenString string) (*token.Claims, error)
}

// Auth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に失敗した場合は後続のハンドラを実行せずに401を返す。
// 成功した場合はコンテキストにクレームを設定する。
func Auth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Bearer トークン形式が不正です",
			})
			return
		}

		claims, err := validator.Validate(tokenString)
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "トークンが無効です",
			})
			return
		}

		c.Set(contextKeyClaims, claims)
		c.Header(headerKeyUserID, claims.ID)
		c.Next()
	}
}

// GetClaims はGinコンテキストから検証済みクレームを取得する。
// Authミドルウェアが事前に適用されていない場合はnilを返す。
func GetClaims(c *gin.Context) *token.Claims {
	v, _ := c.Get(contextKeyClaims)
	if claims, ok := v.(*token.Claims); ok {
		return claims
	}
	return nil
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
func GetUserID(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil {
		return claims.ID
	}
	return ""
}
