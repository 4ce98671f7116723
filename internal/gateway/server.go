package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/ocrgate/pkg/httpclient"
	"github.com/nao1215/ocrgate/pkg/middleware"
	"github.com/nao1215/ocrgate/pkg/rpc"
	"github.com/nao1215/ocrgate/pkg/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// OCRCaller はOCRワーカーを同期的に呼び出す。*rpc.Redialer が満たす。
type OCRCaller interface {
	CallJSON(ctx context.Context, req, resp any) error
	// Check は呼び出し口が使用できるかを確認する。使用できなければ再接続を試みる。
	Check(ctx context.Context) error
}

// Config はGatewayサービスの設定。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// JWTSecret はトークン検証用の秘密鍵。認証サービスと同じ値を使用する。
	JWTSecret string
	// AuthBaseURL は認証サービスのベースURL。
	AuthBaseURL string
	// MaxUploadBytes はアップロードファイルの最大サイズ。0の場合は既定値を使用する。
	MaxUploadBytes int64
}

// defaultMaxUploadBytes はアップロードファイルの既定の最大サイズ。
const defaultMaxUploadBytes = 20 << 20

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// tokens はBearerトークンを検証する。
	tokens *token.Service
	// authClient は認証サービスへの通信クライアント。
	authClient *httpclient.Client
	// ocr はOCRワーカーの呼び出し口。プロセス全体で1つを共有し、接続断時は作り直される。
	ocr OCRCaller
	// maxUploadBytes はアップロードファイルの最大サイズ。
	maxUploadBytes int64
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg Config, ocr OCRCaller) (*Server, error) {
	tokens, err := token.NewService(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("トークンサービスの初期化に失敗: %w", err)
	}

	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}

	rpc.RegisterMetrics(prometheus.DefaultRegisterer)

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logging("gateway"))

	s := &Server{
		router:         router,
		port:           cfg.Port,
		tokens:         tokens,
		authClient:     httpclient.New(cfg.AuthBaseURL),
		ocr:            ocr,
		maxUploadBytes: maxUpload,
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 認証サービスへのプロキシ（認証不要）
	auth := s.router.Group("/auth")
	{
		auth.POST("/login", s.handleAuthProxy("/api/token", func() any { return &loginRequest{} }))
		auth.POST("/register", s.handleAuthProxy("/api/users", func() any { return &registerRequest{} }))
		auth.POST("/generate-otp", s.handleAuthProxy("/api/users/generate-otp", func() any { return &generateOTPRequest{} }))
		auth.POST("/verify-otp", s.handleAuthProxy("/api/users/verify-otp", func() any { return &verifyOTPRequest{} }))
	}

	// 認証必須のエンドポイント
	s.router.POST("/ocr", middleware.Auth(s.tokens), s.handleOCR())
}

// handleHealth はヘルスチェックエンドポイントのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.ocr != nil {
			if err := s.ocr.Check(c.Request.Context()); err != nil {
				log.WithError(err).Warn("OCRワーカーへの呼び出し口が使用できません")
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": "gateway"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	}
}
