package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken は署名・構造の検証に失敗したトークンを表す。
	ErrInvalidToken = errors.New("トークンが無効です")
	// ErrMissingSecret は署名用の秘密鍵が設定されていないことを表す。
	ErrMissingSecret = errors.New("JWT署名用の秘密鍵が設定されていません")
)

// TokenType はトークン発行レスポンスの token_type。
const TokenType = "bearer"

// Identity はトークンに埋め込む認証済みIDの属性。
type Identity struct {
	// ID はユーザーの一意識別子。
	ID string
	// Email はユーザーのメールアドレス。
	Email string
	// Name はユーザーの表示名。
	Name string
	// IsVerified はメールアドレスが検証済みかどうか。
	IsVerified bool
}

// Claims はトークンのペイロード。
type Claims struct {
	jwt.RegisteredClaims
	// ID はユーザーの一意識別子。
	ID string `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Name はユーザーの表示名。
	Name string `json:"name"`
	// IsVerified はメールアドレスが検証済みかどうか。
	IsVerified bool `json:"is_verified"`
}

// Identity はクレームから Identity を取り出す。
func (c *Claims) Identity() Identity {
	return Identity{
		ID:         c.ID,
		Email:      c.Email,
		Name:       c.Name,
		IsVerified: c.IsVerified,
	}
}

// Service はトークンの発行と検証を行う。
type Service struct {
	// secret はHS256の共通鍵。
	secret []byte
	// issuer は iss クレームに設定する値。空の場合は設定しない。
	issuer string
	// ttl はトークンの有効期間。0の場合は exp を付与しない。
	ttl time.Duration
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// Option は Service の設定を変更する。
type Option func(*Service)

// WithIssuer は iss クレームを設定する。
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		s.issuer = issuer
	}
}

// WithTTL はトークンの有効期間を設定する。
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl = ttl
	}
}

// NewService は新しい Service を生成する。秘密鍵が空の場合は ErrMissingSecret を返す。
func NewService(secret string, opts ...Option) (*Service, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	s := &Service{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue はIDの属性を署名付きトークンにする。
func (s *Service) Issue(id Identity) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   s.issuer,
		},
		ID:         id.ID,
		Email:      id.Email,
		Name:       id.Name,
		IsVerified: id.IsVerified,
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Validate はトークンの署名と構造を検証し、クレームを返す。
// 失敗時は ErrInvalidToken をラップしたエラーを返す。
func (s *Service) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: id クレームがありません", ErrInvalidToken)
	}
	return claims, nil
}
