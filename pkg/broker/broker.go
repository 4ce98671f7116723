package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// ErrBrokerUnavailable はブローカーとの接続確立・送受信に失敗したことを表す。
var ErrBrokerUnavailable = errors.New("ブローカーに接続できません")

const (
	// QueueOCRService はOCRワーカーが購読するリクエストキュー。
	QueueOCRService = "ocr_service"
	// QueueEmailNotification はメール通知ワーカーが購読するキュー。
	QueueEmailNotification = "email_notification"
	// QueueGatewayService はワーカー側が宣言する予約済みキュー。コアロジックでは未使用。
	QueueGatewayService = "gateway_service"
)

const (
	// defaultPort はAMQPの標準ポート。
	defaultPort = 5672
	// defaultMaxAttempts は起動時の接続試行回数の上限。
	defaultMaxAttempts = 12
	// defaultRetryInterval は接続試行の間隔。
	defaultRetryInterval = 5 * time.Second
)

// Channel はAMQPチャネルのうち本モジュールが使用する操作。
// *amqp.Channel はこのインターフェースを満たす。
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection はブローカーへの1本の接続。チャネルの生成元となる。
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Connector は新しい Connection を確立する。
// 通知送信のように呼び出しごとに接続を張るコンポーネントが使用する。
type Connector interface {
	Dial(ctx context.Context) (Connection, error)
}

// Config はブローカーの接続設定。
type Config struct {
	// Host はブローカーのホスト名。"amqp://" から始まる場合は完全なURLとして扱う。
	Host string
	// Port はブローカーのポート。0の場合は5672を使用する。
	Port int
	// User は認証ユーザー名。
	User string
	// Password は認証パスワード。
	Password string
	// VHost は仮想ホスト。空の場合は "/" を使用する。
	VHost string
}

// URL はAMQP接続URLを組み立てる。
func (c Config) URL() string {
	if strings.Contains(c.Host, "://") {
		return c.Host
	}
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VHost,
	}
	if uri.Port == 0 {
		uri.Port = defaultPort
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	if uri.Username == "" {
		uri.Username = "guest"
		uri.Password = "guest"
	}
	return uri.String()
}

// address はログ出力用の認証情報を含まない接続先。
func (c Config) address() string {
	if strings.Contains(c.Host, "://") {
		if uri, err := amqp.ParseURI(c.Host); err == nil {
			return net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))
		}
		return "(invalid url)"
	}
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Dialer は上限回数付きの固定間隔リトライでブローカーに接続する。
type Dialer struct {
	// cfg は接続設定。
	cfg Config
	// maxAttempts は接続試行回数の上限。
	maxAttempts int
	// interval は接続試行の間隔。
	interval time.Duration
	// dial は実際の接続処理。テストで差し替える。
	dial func(url string) (Connection, error)
}

// DialOption は Dialer の設定を変更する。
type DialOption func(*Dialer)

// WithMaxAttempts は接続試行回数の上限を設定する。1未満は1として扱う。
func WithMaxAttempts(n int) DialOption {
	return func(d *Dialer) {
		if n < 1 {
			n = 1
		}
		d.maxAttempts = n
	}
}

// WithRetryInterval は接続試行の間隔を設定する。
func WithRetryInterval(interval time.Duration) DialOption {
	return func(d *Dialer) {
		d.interval = interval
	}
}

// NewDialer は新しい Dialer を生成する。
func NewDialer(cfg Config, opts ...DialOption) *Dialer {
	d := &Dialer{
		cfg:         cfg,
		maxAttempts: defaultMaxAttempts,
		interval:    defaultRetryInterval,
		dial:        dialAMQP,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial はブローカーへの接続を確立する。
// 失敗時は interval 間隔で maxAttempts 回まで再試行し、
// それでも接続できなければ ErrBrokerUnavailable をラップしたエラーを返す。
func (d *Dialer) Dial(ctx context.Context) (Connection, error) {
	logger := log.WithField("broker", d.cfg.address())

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		conn, err := d.dial(d.cfg.URL())
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("RabbitMQに接続しました")
			}
			return conn, nil
		}
		lastErr = err

		if attempt == d.maxAttempts {
			break
		}
		logger.WithFields(log.Fields{
			"attempt": attempt,
			"retry":   d.interval,
		}).Warnf("RabbitMQへの接続に失敗しました。再試行します: %v", err)

		timer := time.NewTimer(d.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: 接続待機中に中断されました: %w", ErrBrokerUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: %d回試行しましたが接続できません: %w", ErrBrokerUnavailable, d.maxAttempts, lastErr)
}

// amqpConnection は *amqp.Connection を Connection に適合させる。
type amqpConnection struct {
	conn *amqp.Connection
}

// dialAMQP は実際のAMQP接続を確立する。
func dialAMQP(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

// Channel は新しいAMQPチャネルを開く。
func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: チャネルの作成に失敗: %w", ErrBrokerUnavailable, err)
	}
	return ch, nil
}

// Close は接続を閉じる。
func (c *amqpConnection) Close() error {
	return c.conn.Close()
}
