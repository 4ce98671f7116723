package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
)

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// newTestService はテスト用の Service を生成する。
func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()

	s, err := NewService(testSecret, opts...)
	if err != nil {
		t.Fatalf("NewService()でエラーが発生: %v", err)
	}
	return s
}

// TestNewService はNewService関数を検証する。
func TestNewService(t *testing.T) {
	t.Parallel()

	t.Run("秘密鍵が空の場合はErrMissingSecretを返すこと", func(t *testing.T) {
		t.Parallel()

		if _, err := NewService(""); !errors.Is(err, ErrMissingSecret) {
			t.Errorf("エラー = %v, want ErrMissingSecret", err)
		}
	})
}

// TestIssueValidate は発行と検証の往復を検証する。
func TestIssueValidate(t *testing.T) {
	t.Parallel()

	identities := []Identity{
		{ID: "0b7c2f9e-1d7b-4c1a-9d55-6a1f1f0b8c11", Email: "ana@x.com", Name: "Ana", IsVerified: true},
		{ID: "user-2", Email: "bob@example.com", Name: "ボブ", IsVerified: false},
		{ID: "user-3", Email: "", Name: "", IsVerified: false},
	}

	s := newTestService(t, WithIssuer("ocrgate-auth"))
	for _, id := range identities {
		t.Run(id.ID, func(t *testing.T) {
			t.Parallel()

			tokenStr, err := s.Issue(id)
			if err != nil {
				t.Fatalf("Issue()でエラーが発生: %v", err)
			}

			claims, err := s.Validate(tokenStr)
			if err != nil {
				t.Fatalf("Validate()でエラーが発生: %v", err)
			}
			if diff := cmp.Diff(id, claims.Identity()); diff != "" {
				t.Errorf("復元したIDが異なる (-want +got):\n%s", diff)
			}
			if claims.Issuer != "ocrgate-auth" {
				t.Errorf("Issuer = %q, want %q", claims.Issuer, "ocrgate-auth")
			}
		})
	}
}

// TestIssue は発行されるトークンの形式を検証する。
func TestIssue(t *testing.T) {
	t.Parallel()

	t.Run("署名アルゴリズムがHS256であること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := newTestService(t).Issue(Identity{ID: "user-alg"})
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		token, _, err := new(jwt.Parser).ParseUnverified(tokenStr, &Claims{})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if token.Method.Alg() != "HS256" {
			t.Errorf("署名アルゴリズム = %q, want %q", token.Method.Alg(), "HS256")
		}
	})

	t.Run("ペイロードにパスワードや作成日時が含まれないこと", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := newTestService(t).Issue(Identity{ID: "user-payload", Email: "p@example.com", Name: "P"})
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		mapClaims := jwt.MapClaims{}
		if _, _, err := new(jwt.Parser).ParseUnverified(tokenStr, mapClaims); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		for _, key := range []string{"hashed_password", "password", "date_created", "created_at", "exp"} {
			if _, ok := mapClaims[key]; ok {
				t.Errorf("ペイロードに %q が含まれている", key)
			}
		}
		for _, key := range []string{"id", "email", "name", "is_verified"} {
			if _, ok := mapClaims[key]; !ok {
				t.Errorf("ペイロードに %q が含まれていない", key)
			}
		}
	})

	t.Run("TTLを指定した場合は有効期限が設定されること", func(t *testing.T) {
		t.Parallel()

		s := newTestService(t, WithTTL(time.Hour))
		fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return fixed }

		tokenStr, err := s.Issue(Identity{ID: "user-ttl"})
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}
		claims, err := s.Validate(tokenStr)
		if err != nil {
			t.Fatalf("Validate()でエラーが発生: %v", err)
		}
		if !claims.ExpiresAt.Time.Equal(fixed.Add(time.Hour)) {
			t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt.Time, fixed.Add(time.Hour))
		}
	})
}

// TestValidate は不正なトークンの検出を検証する。
func TestValidate(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	valid, err := s.Issue(Identity{ID: "user-1", Email: "a@example.com", Name: "A", IsVerified: true})
	if err != nil {
		t.Fatalf("Issue()でエラーが発生: %v", err)
	}

	other, err := NewService("another-secret")
	if err != nil {
		t.Fatalf("NewService()でエラーが発生: %v", err)
	}
	foreign, err := other.Issue(Identity{ID: "user-1"})
	if err != nil {
		t.Fatalf("Issue()でエラーが発生: %v", err)
	}

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{ID: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("noneトークンの生成に失敗: %v", err)
	}

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{ID: "user-1"}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("HS512トークンの生成に失敗: %v", err)
	}

	noID, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Email: "a@example.com"}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("idなしトークンの生成に失敗: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "異なる秘密鍵で署名されたトークン", token: foreign},
		{name: "署名が改ざんされたトークン", token: flipSignatureBit(valid)},
		{name: "ペイロードが改ざんされたトークン", token: flipPayloadBit(valid)},
		{name: "noneアルゴリズムのトークン", token: noneToken},
		{name: "HS256以外のアルゴリズムのトークン", token: hs512},
		{name: "idクレームのないトークン", token: noID},
		{name: "JWT形式でない文字列", token: "not-a-jwt"},
		{name: "空文字列", token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name+"はErrInvalidTokenを返すこと", func(t *testing.T) {
			t.Parallel()

			claims, err := s.Validate(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("エラー = %v, want ErrInvalidToken", err)
			}
			if claims != nil {
				t.Errorf("クレーム = %+v, want nil", claims)
			}
		})
	}

	t.Run("期限切れのトークンはErrInvalidTokenを返すこと", func(t *testing.T) {
		t.Parallel()

		issuer := newTestService(t, WithTTL(time.Minute))
		issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
		expired, err := issuer.Issue(Identity{ID: "user-exp"})
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		if _, err := s.Validate(expired); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("エラー = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("expのないトークンは時間が経過しても有効であること", func(t *testing.T) {
		t.Parallel()

		later := newTestService(t)
		later.now = func() time.Time { return time.Now().Add(24 * 365 * time.Hour) }
		if _, err := later.Validate(valid); err != nil {
			t.Errorf("Validate()でエラーが発生: %v", err)
		}
	})
}

// flipSignatureBit は署名部分の先頭文字の1ビットを反転する。
func flipSignatureBit(tokenStr string) string {
	parts := strings.Split(tokenStr, ".")
	sig := []byte(parts[2])
	sig[0] ^= 0x01
	parts[2] = string(sig)
	return strings.Join(parts, ".")
}

// flipPayloadBit はペイロード部分の中央の文字を別のBase64URL文字に置き換える。
func flipPayloadBit(tokenStr string) string {
	parts := strings.Split(tokenStr, ".")
	payload := []byte(parts[1])
	i := len(payload) / 2
	if payload[i] == 'A' {
		payload[i] = 'B'
	} else {
		payload[i] = 'A'
	}
	parts[1] = string(payload)
	return strings.Join(parts, ".")
}
