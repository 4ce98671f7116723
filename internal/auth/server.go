package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	authdb "github.com/nao1215/ocrgate/internal/auth/db"
	"github.com/nao1215/ocrgate/pkg/middleware"
	"github.com/nao1215/ocrgate/pkg/token"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Notifier はOTPをユーザーに通知する。*notify.Producer が満たす。
type Notifier interface {
	SendOTP(ctx context.Context, email, code string) error
}

// Config は認証サービスの設定。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteデータベースのDSN。
	DatabasePath string
	// JWTSecret はトークン署名用の秘密鍵。
	JWTSecret string
	// TokenTTL はトークンの有効期間。0の場合は有効期限を設定しない。
	TokenTTL time.Duration
	// OTPTTL はOTPの有効期間。
	OTPTTL time.Duration
}

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// service はユーザーの登録・認証・検証を行う。
	service *Service
	// tokens はアクセストークンの発行と検証を行う。
	tokens *token.Service
	// notifier はOTPの通知先。
	notifier Notifier
}

// NewServer は新しい認証サーバーを生成する。
// SQLiteデータベースを開き、マイグレーションを適用する。
func NewServer(ctx context.Context, cfg Config, notifier Notifier) (*Server, error) {
	tokens, err := token.NewService(cfg.JWTSecret, token.WithIssuer("ocrgate-auth"), token.WithTTL(cfg.TokenTTL))
	if err != nil {
		return nil, fmt.Errorf("トークンサービスの初期化に失敗: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteの書き込みは直列化されるため1接続に固定する
	sqlDB.SetMaxOpenConns(1)

	if err := initSchema(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logging("auth"))

	s := &Server{
		router:   router,
		port:     cfg.Port,
		db:       sqlDB,
		service:  NewService(authdb.New(sqlDB), cfg.OTPTTL),
		tokens:   tokens,
		notifier: notifier,
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// Handler はルーティング済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close はデータベース接続とOTPキャッシュを閉じる。
func (s *Server) Close() error {
	s.service.Close()
	return s.db.Close()
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())

	api := s.router.Group("/api")
	{
		api.POST("/users", s.handleRegister())
		api.POST("/token", s.handleToken())
		api.POST("/users/generate-otp", s.handleGenerateOTP())
		api.POST("/users/verify-otp", s.handleVerifyOTP())
		api.GET("/users/me", middleware.Auth(s.tokens), s.handleGetCurrentUser())
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "service": "auth"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth"})
	}
}

// registerRequest はユーザー登録リクエスト。
type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// userResponse はパスワードハッシュを除いたユーザー情報。
type userResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	IsVerified  bool      `json:"is_verified"`
	DateCreated time.Time `json:"date_created"`
}

func newUserResponse(user authdb.User) userResponse {
	return userResponse{
		ID:          user.ID,
		Name:        user.Name,
		Email:       user.Email,
		IsVerified:  user.IsVerified,
		DateCreated: user.CreatedAt,
	}
}

// handleRegister はユーザー登録のハンドラを返す。
// 同じメールアドレスのユーザーが存在する場合は200で通知する。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "リクエストが不正です: " + err.Error()})
			return
		}

		user, err := s.service.Register(c.Request.Context(), req.Name, req.Email, req.Password)
		if errors.Is(err, ErrDuplicateIdentity) {
			c.JSON(http.StatusOK, gin.H{"detail": "User with that email already exists"})
			return
		}
		if err != nil {
			log.WithError(err).Error("ユーザー登録に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "ユーザー登録に失敗しました"})
			return
		}

		c.JSON(http.StatusCreated, newUserResponse(user))
	}
}

// tokenRequest はトークン発行リクエスト。JSONとフォームの両方を受け付ける。
type tokenRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

// handleToken はアクセストークン発行のハンドラを返す。
func (s *Server) handleToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "リクエストが不正です: " + err.Error()})
			return
		}

		user, err := s.service.Authenticate(c.Request.Context(), req.Username, req.Password)
		switch {
		case errors.Is(err, ErrNotVerified):
			c.JSON(http.StatusForbidden, gin.H{"detail": "Email is not verified. Please verify your email with the OTP."})
			return
		case errors.Is(err, ErrInvalidCredentials):
			c.Header("WWW-Authenticate", "Bearer")
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid Credentials"})
			return
		case err != nil:
			log.WithError(err).Error("認証に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "認証に失敗しました"})
			return
		}

		accessToken, err := s.tokens.Issue(identityOf(user))
		if err != nil {
			log.WithError(err).Error("トークン発行に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "トークン発行に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token": accessToken,
			"token_type":   token.TokenType,
		})
	}
}

// generateOTPRequest はOTP発行リクエスト。
type generateOTPRequest struct {
	Email string `json:"email" binding:"required"`
}

// handleGenerateOTP はOTPを発行して通知するハンドラを返す。
// 通知の失敗はログに記録し、レスポンスには影響させない。
func (s *Server) handleGenerateOTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateOTPRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "リクエストが不正です: " + err.Error()})
			return
		}

		code, err := s.service.IssueOTP(c.Request.Context(), req.Email)
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "User not found"})
			return
		}
		if err != nil {
			log.WithError(err).Error("OTP発行に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "OTP発行に失敗しました"})
			return
		}

		if s.notifier != nil {
			if err := s.notifier.SendOTP(c.Request.Context(), normalizeEmail(req.Email), code); err != nil {
				log.WithError(err).WithField("email", req.Email).Warn("OTP通知の送信に失敗しました")
			}
		}

		c.JSON(http.StatusOK, gin.H{"message": "OTP sent to your email"})
	}
}

// verifyOTPRequest はOTP検証リクエスト。
type verifyOTPRequest struct {
	Email string `json:"email" binding:"required"`
	OTP   string `json:"otp" binding:"required"`
}

// handleVerifyOTP はOTPを検証してユーザーを検証済みにするハンドラを返す。
func (s *Server) handleVerifyOTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyOTPRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "リクエストが不正です: " + err.Error()})
			return
		}

		err := s.service.VerifyOTP(c.Request.Context(), req.Email, req.OTP)
		switch {
		case errors.Is(err, ErrInvalidOTP), errors.Is(err, ErrUserNotFound):
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid OTP"})
			return
		case err != nil:
			log.WithError(err).Error("OTP検証に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "OTP検証に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "Email verified successfully"})
	}
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
			return
		}

		user, err := s.service.UserByID(c.Request.Context(), userID)
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
			return
		}
		if err != nil {
			log.WithError(err).Error("ユーザー取得に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "ユーザー取得に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, newUserResponse(user))
	}
}
