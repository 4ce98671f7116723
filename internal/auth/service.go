package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	authdb "github.com/nao1215/ocrgate/internal/auth/db"
	"github.com/nao1215/ocrgate/pkg/token"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials はユーザーが存在しないかパスワードが一致しないことを表す。
	ErrInvalidCredentials = errors.New("メールアドレスまたはパスワードが正しくありません")
	// ErrNotVerified は認証情報は正しいがメールアドレスが未検証であることを表す。
	ErrNotVerified = errors.New("メールアドレスが検証されていません")
	// ErrDuplicateIdentity は同じメールアドレスのユーザーが既に存在することを表す。
	ErrDuplicateIdentity = errors.New("このメールアドレスのユーザーは既に存在します")
	// ErrUserNotFound はユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrInvalidOTP はOTPが一致しないか期限切れであることを表す。
	ErrInvalidOTP = errors.New("OTPが不正または期限切れです")
)

// defaultOTPTTL はOTPの有効期間。
const defaultOTPTTL = 10 * time.Minute

// Service はユーザーの登録・認証・検証を行う。
type Service struct {
	// queries はsqlcが生成したクエリ実行オブジェクト。
	queries *authdb.Queries
	// otps はメールアドレスごとの未使用OTP。
	otps *ttlcache.Cache[string, string]
	// otpMu はOTPの発行と検証・消費を直列化する。
	otpMu sync.Mutex
	// cost はbcryptのコスト。
	cost int
	// now は現在時刻を返す。
	now func() time.Time
}

// NewService は新しい Service を生成する。otpTTL が0以下の場合は10分を使用する。
// 期限切れOTPの掃除を開始するため、不要になったら Close を呼び出すこと。
func NewService(queries *authdb.Queries, otpTTL time.Duration) *Service {
	if otpTTL <= 0 {
		otpTTL = defaultOTPTTL
	}
	otps := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](otpTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go otps.Start()

	return &Service{
		queries: queries,
		otps:    otps,
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
	}
}

// Close は期限切れOTPの掃除を停止する。
func (s *Service) Close() {
	s.otps.Stop()
}

// Register は新しいユーザーを未検証の状態で作成する。
// 同じメールアドレスのユーザーが存在する場合は ErrDuplicateIdentity を返す。
func (s *Service) Register(ctx context.Context, name, email, password string) (authdb.User, error) {
	email = normalizeEmail(email)

	_, err := s.queries.GetUserByEmail(ctx, email)
	if err == nil {
		return authdb.User{}, ErrDuplicateIdentity
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return authdb.User{}, fmt.Errorf("ユーザーの検索に失敗: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return authdb.User{}, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	user, err := s.queries.CreateUser(ctx, authdb.CreateUserParams{
		ID:             uuid.New().String(),
		Name:           name,
		Email:          email,
		HashedPassword: string(hashed),
		IsVerified:     false,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		// 検索と作成の間に同じメールアドレスが登録された場合
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return authdb.User{}, ErrDuplicateIdentity
		}
		return authdb.User{}, fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}
	return user, nil
}

// Authenticate はメールアドレスとパスワードでユーザーを認証する。
// ユーザーが存在しないかパスワードが一致しない場合は ErrInvalidCredentials、
// パスワードは一致するが未検証の場合は ErrNotVerified を返す。
func (s *Service) Authenticate(ctx context.Context, email, password string) (authdb.User, error) {
	user, err := s.queries.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return authdb.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return authdb.User{}, fmt.Errorf("ユーザーの検索に失敗: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return authdb.User{}, ErrInvalidCredentials
	}
	if !user.IsVerified {
		return authdb.User{}, ErrNotVerified
	}
	return user, nil
}

// UserByID はIDでユーザーを取得する。
func (s *Service) UserByID(ctx context.Context, id string) (authdb.User, error) {
	user, err := s.queries.GetUserByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return authdb.User{}, ErrUserNotFound
	}
	if err != nil {
		return authdb.User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return user, nil
}

// IssueOTP はユーザーに新しいOTPを発行し、以前のOTPを無効にする。
func (s *Service) IssueOTP(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)
	if _, err := s.queries.GetUserByEmail(ctx, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("ユーザーの検索に失敗: %w", err)
	}

	code, err := GenerateOTP()
	if err != nil {
		return "", err
	}
	s.otpMu.Lock()
	s.otps.Set(email, code, ttlcache.DefaultTTL)
	s.otpMu.Unlock()
	return code, nil
}

// VerifyOTP はOTPを検証し、一致した場合はユーザーを検証済みにする。
// OTPは一致した時点で消費され、再利用できない。
func (s *Service) VerifyOTP(ctx context.Context, email, code string) error {
	email = normalizeEmail(email)

	if !s.consumeOTP(email, code) {
		return ErrInvalidOTP
	}

	n, err := s.queries.MarkUserVerified(ctx, email)
	if err != nil {
		return fmt.Errorf("検証状態の更新に失敗: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// consumeOTP はOTPを取り出して照合し、一致した場合に限り消費する。
// 一致しない場合は残りの有効期間で元に戻す。
func (s *Service) consumeOTP(email, code string) bool {
	s.otpMu.Lock()
	defer s.otpMu.Unlock()

	item, ok := s.otps.GetAndDelete(email)
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(item.Value()), []byte(code)) == 1 {
		return true
	}
	if remaining := time.Until(item.ExpiresAt()); remaining > 0 {
		s.otps.Set(email, item.Value(), remaining)
	}
	return false
}

// identityOf はユーザーをトークンに含める属性に変換する。
func identityOf(user authdb.User) token.Identity {
	return token.Identity{
		ID:         user.ID,
		Email:      user.Email,
		Name:       user.Name,
		IsVerified: user.IsVerified,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
