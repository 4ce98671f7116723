package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/ocrgate/internal/auth"
	"github.com/nao1215/ocrgate/pkg/broker"
	"github.com/nao1215/ocrgate/pkg/broker/brokertest"
	"github.com/nao1215/ocrgate/pkg/message"
	"github.com/nao1215/ocrgate/pkg/rpc"
	"github.com/nao1215/ocrgate/pkg/token"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// unreachableURL は接続できない認証サービスのURL。
const unreachableURL = "http://127.0.0.1:1"

// newTestServer はテスト用のGatewayサーバーを生成する。
func newTestServer(t *testing.T, authBaseURL string, ocr OCRCaller) *Server {
	t.Helper()

	s, err := NewServer(Config{
		Port:        "0",
		JWTSecret:   testJWTSecret,
		AuthBaseURL: authBaseURL,
	}, ocr)
	require.NoError(t, err)
	return s
}

// newTestOCRClient はインメモリブローカー上のOCR用RPCクライアントを生成する。
// 返り値の接続を閉じるとブローカーとの接続断を再現できる。
func newTestOCRClient(t *testing.T, mq *brokertest.Broker, timeout time.Duration) (*rpc.Redialer, *brokertest.Conn) {
	t.Helper()

	conn := mq.Connect()
	client, err := rpc.NewRedialer(conn, mq, broker.QueueOCRService, rpc.WithTimeout(timeout))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, conn
}

// generateTestToken はテスト用のアクセストークンを生成する。
func generateTestToken(t *testing.T, id token.Identity) string {
	t.Helper()

	tokens, err := token.NewService(testJWTSecret)
	require.NoError(t, err)
	tokenStr, err := tokens.Issue(id)
	require.NoError(t, err)
	return tokenStr
}

// newOCRRequest はmultipart形式のOCRリクエストを生成する。
// fieldが空の場合はファイルを添付しない。
func newOCRRequest(t *testing.T, bearer, field string, content []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "page.png")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/ocr", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

// serve はリクエストをサーバーで処理してレスポンスを返す。
func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// postJSON はJSONボディ付きのPOSTリクエストを送信する。
func postJSON(s *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return serve(s, req)
}

// otpInbox は認証サービスが送信したOTPを記録する。
type otpInbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (n *otpInbox) SendOTP(_ context.Context, email, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codes == nil {
		n.codes = make(map[string]string)
	}
	n.codes[email] = code
	return nil
}

func (n *otpInbox) code(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[email]
}

// newTestAuthService はインメモリSQLiteを使用する認証サービスを起動する。
func newTestAuthService(t *testing.T) (*httptest.Server, *otpInbox) {
	t.Helper()

	inbox := &otpInbox{}
	authServer, err := auth.NewServer(context.Background(), auth.Config{
		DatabasePath: ":memory:",
		JWTSecret:    testJWTSecret,
	}, inbox)
	require.NoError(t, err)
	t.Cleanup(func() { _ = authServer.Close() })

	ts := httptest.NewServer(authServer.Handler())
	t.Cleanup(ts.Close)
	return ts, inbox
}

// TestHandleHealth はヘルスチェックエンドポイントを検証する。
func TestHandleHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, unreachableURL, nil)
	w := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"gateway"}`, w.Body.String())
}

// TestHandleHealthBrokerDown はブローカーとの接続状態がヘルスチェックに反映されることを検証する。
func TestHandleHealthBrokerDown(t *testing.T) {
	t.Parallel()

	mq := brokertest.New()
	client, conn := newTestOCRClient(t, mq, time.Second)
	s := newTestServer(t, unreachableURL, client)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	mq.FailDial(errors.New("connection refused"))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		w := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
		return w.Code == http.StatusServiceUnavailable
	}, 5*time.Second, 10*time.Millisecond)

	mq.FailDial(nil)
	w = serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"gateway"}`, w.Body.String())
}

// TestHandleMetrics はメトリクスエンドポイントを検証する。
func TestHandleMetrics(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, unreachableURL, nil)
	w := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

// TestEndToEnd は登録から認証を経てOCR応答を受け取るまでの一連の流れを検証する。
func TestEndToEnd(t *testing.T) {
	t.Parallel()

	authTS, inbox := newTestAuthService(t)
	mq := brokertest.New()
	stop := mq.Serve(broker.QueueOCRService, brokertest.ReplyWith([]byte(`{"text":"OK"}`)))
	t.Cleanup(stop)
	client, _ := newTestOCRClient(t, mq, 5*time.Second)
	s := newTestServer(t, authTS.URL, client)

	w := postJSON(s, "/auth/register", `{"name":"Ana","email":"ana@x.com","password":"secret"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = postJSON(s, "/auth/register", `{"name":"Ana","email":"ana@x.com","password":"secret"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"detail":"User with that email already exists"}`, w.Body.String())

	w = postJSON(s, "/auth/login", `{"username":"ana@x.com","password":"secret"}`)
	require.Equal(t, http.StatusForbidden, w.Code, "未検証のユーザーはログインできないこと")

	w = postJSON(s, "/auth/generate-otp", `{"email":"ana@x.com"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = postJSON(s, "/auth/verify-otp", `{"email":"ana@x.com","otp":"`+inbox.code("ana@x.com")+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = postJSON(s, "/auth/login", `{"username":"ana@x.com","password":"secret"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	assert.Equal(t, "bearer", login.TokenType)

	claims, err := s.tokens.Validate(login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "ana@x.com", claims.Email)
	assert.Equal(t, "Ana", claims.Name)
	assert.True(t, claims.IsVerified)

	file := []byte("0123456789")
	w = serve(s, newOCRRequest(t, login.AccessToken, "file", file))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, `{"text":"OK"}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	published := mq.Published(broker.QueueOCRService)
	require.Len(t, published, 1)
	req, err := message.Decode[message.OCRRequest](published[0].Body)
	require.NoError(t, err)
	assert.Equal(t, claims.ID, req.UserID)
	assert.Equal(t, "Ana", req.UserName)
	assert.Equal(t, "ana@x.com", req.UserEmail)
	got, err := req.FileBytes()
	require.NoError(t, err)
	assert.Equal(t, file, got)
}

// TestHandleOCR はOCRエンドポイントを検証する。
func TestHandleOCR(t *testing.T) {
	t.Parallel()

	ana := token.Identity{ID: "user-ana", Email: "ana@x.com", Name: "Ana", IsVerified: true}

	t.Run("トークンがない場合は401を返しブローカーに発行しないこと", func(t *testing.T) {
		t.Parallel()

		mq := brokertest.New()
		client, _ := newTestOCRClient(t, mq, time.Second)
		s := newTestServer(t, unreachableURL, client)

		w := serve(s, newOCRRequest(t, "", "file", []byte("data")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"detail":"Authorizationヘッダーが必要です"}`, w.Body.String())
		assert.Empty(t, mq.Published(broker.QueueOCRService))
	})

	t.Run("異なる秘密鍵のトークンは401を返しブローカーに発行しないこと", func(t *testing.T) {
		t.Parallel()

		other, err := token.NewService("another-secret")
		require.NoError(t, err)
		foreign, err := other.Issue(ana)
		require.NoError(t, err)

		mq := brokertest.New()
		client, _ := newTestOCRClient(t, mq, time.Second)
		s := newTestServer(t, unreachableURL, client)

		w := serve(s, newOCRRequest(t, foreign, "file", []byte("data")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, mq.Published(broker.QueueOCRService))
	})

	t.Run("ファイルがない場合は422を返すこと", func(t *testing.T) {
		t.Parallel()

		mq := brokertest.New()
		client, _ := newTestOCRClient(t, mq, time.Second)
		s := newTestServer(t, unreachableURL, client)

		w := serve(s, newOCRRequest(t, generateTestToken(t, ana), "", nil))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Empty(t, mq.Published(broker.QueueOCRService))
	})

	t.Run("ワーカーが応答しない場合は504を返すこと", func(t *testing.T) {
		t.Parallel()

		mq := brokertest.New()
		stop := mq.Serve(broker.QueueOCRService, func(amqp.Delivery) []amqp.Publishing { return nil })
		t.Cleanup(stop)
		client, _ := newTestOCRClient(t, mq, 100*time.Millisecond)
		s := newTestServer(t, unreachableURL, client)

		w := serve(s, newOCRRequest(t, generateTestToken(t, ana), "file", []byte("data")))
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	})

	t.Run("ブローカーに再接続できない場合は503を返すこと", func(t *testing.T) {
		t.Parallel()

		mq := brokertest.New()
		client, conn := newTestOCRClient(t, mq, time.Second)
		s := newTestServer(t, unreachableURL, client)
		mq.FailDial(errors.New("connection refused"))
		require.NoError(t, conn.Close())

		w := serve(s, newOCRRequest(t, generateTestToken(t, ana), "file", []byte("data")))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("ブローカーとの接続が失われても再接続して応答を返すこと", func(t *testing.T) {
		t.Parallel()

		mq := brokertest.New()
		stop := mq.Serve(broker.QueueOCRService, brokertest.ReplyWith([]byte(`{"text":"OK"}`)))
		t.Cleanup(stop)
		client, conn := newTestOCRClient(t, mq, time.Second)
		s := newTestServer(t, unreachableURL, client)
		bearer := generateTestToken(t, ana)

		w := serve(s, newOCRRequest(t, bearer, "file", []byte("data")))
		require.Equal(t, http.StatusOK, w.Code)

		require.NoError(t, conn.Close())

		require.Eventually(t, func() bool {
			w := serve(s, newOCRRequest(t, bearer, "file", []byte("data")))
			return w.Code == http.StatusOK && w.Body.String() == `{"text":"OK"}`
		}, 5*time.Second, 10*time.Millisecond)
	})

	tests := []struct {
		name  string
		reply string
	}{
		{name: "JSONでない応答は500を返すこと", reply: `not json`},
		{name: "未対応バージョンの応答は500を返すこと", reply: `{"version":2,"text":"OK"}`},
		{name: "オブジェクトでない応答は500を返すこと", reply: `["OK"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mq := brokertest.New()
			stop := mq.Serve(broker.QueueOCRService, brokertest.ReplyWith([]byte(tt.reply)))
			t.Cleanup(stop)
			client, _ := newTestOCRClient(t, mq, time.Second)
			s := newTestServer(t, unreachableURL, client)

			w := serve(s, newOCRRequest(t, generateTestToken(t, ana), "file", []byte("data")))
			assert.Equal(t, http.StatusInternalServerError, w.Code)
		})
	}

	t.Run("バージョン付きの応答はそのまま返すこと", func(t *testing.T) {
		t.Parallel()

		reply := `{"version":1,"text":"請求書","confidence":0.98}`
		mq := brokertest.New()
		stop := mq.Serve(broker.QueueOCRService, brokertest.ReplyWith([]byte(reply)))
		t.Cleanup(stop)
		client, _ := newTestOCRClient(t, mq, time.Second)
		s := newTestServer(t, unreachableURL, client)

		w := serve(s, newOCRRequest(t, generateTestToken(t, ana), "file", []byte("data")))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, reply, w.Body.String())
	})
}

// TestHandleAuthProxy は認証サービスへのプロキシを検証する。
func TestHandleAuthProxy(t *testing.T) {
	t.Parallel()

	t.Run("認証サービスのステータスと本文をそのまま返すこと", func(t *testing.T) {
		t.Parallel()

		received := make(chan *http.Request, 1)
		bodies := make(chan []byte, 1)
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			received <- r
			bodies <- body
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":"Invalid Credentials"}`))
		}))
		t.Cleanup(backend.Close)
		s := newTestServer(t, backend.URL, nil)

		w := postJSON(s, "/auth/login", `{"username":"ana@x.com","password":"wrong"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"detail":"Invalid Credentials"}`, w.Body.String())
		assert.Equal(t, "/api/token", (<-received).URL.Path)
		assert.JSONEq(t, `{"username":"ana@x.com","password":"wrong"}`, string(<-bodies))
	})

	paths := []struct {
		route   string
		body    string
		backend string
	}{
		{route: "/auth/register", body: `{"name":"Ana","email":"ana@x.com","password":"secret"}`, backend: "/api/users"},
		{route: "/auth/generate-otp", body: `{"email":"ana@x.com"}`, backend: "/api/users/generate-otp"},
		{route: "/auth/verify-otp", body: `{"email":"ana@x.com","otp":"123456"}`, backend: "/api/users/verify-otp"},
	}
	for _, p := range paths {
		t.Run(p.route+"は"+p.backend+"に転送されること", func(t *testing.T) {
			t.Parallel()

			got := make(chan string, 1)
			backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got <- r.URL.Path
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{}`))
			}))
			t.Cleanup(backend.Close)
			s := newTestServer(t, backend.URL, nil)

			w := postJSON(s, p.route, p.body)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, p.backend, <-got)
		})
	}

	t.Run("必須項目がない場合は転送せずに422を返すこと", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(backend.Close)
		s := newTestServer(t, backend.URL, nil)

		w := postJSON(s, "/auth/login", `{"username":"ana@x.com"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Zero(t, calls.Load())
	})

	t.Run("認証サービスに接続できない場合は503を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, unreachableURL, nil)
		w := postJSON(s, "/auth/login", `{"username":"ana@x.com","password":"secret"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"detail":"Authentication service is down."}`, w.Body.String())
	})
}
