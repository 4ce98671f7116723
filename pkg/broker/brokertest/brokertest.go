// Package brokertest はテスト用のインメモリAMQPブローカーを提供する。
//
// デフォルトエクスチェンジ（キュー名ルーティング）、排他キュー、自動命名キュー、
// durable属性の不一致検出のみを再現する。RabbitMQを起動せずに
// pkg/rpc や pkg/notify のプロトコルを検証するために使用する。
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nao1215/ocrgate/pkg/broker"
	"github.com/streadway/amqp"
)

// consumerBuffer は1コンシューマあたりの配信バッファ長。
const consumerBuffer = 256

// Broker はインメモリのブローカー。broker.Connector を満たす。
type Broker struct {
	mu sync.Mutex
	// queues は宣言済みキュー。
	queues map[string]*queue
	// published はキューごとの発行済みメッセージ。
	published map[string][]amqp.Publishing
	// publishErr が設定されている場合、Publish はこのエラーを返す。
	publishErr error
	// dialErr が設定されている場合、Dial はこのエラーを返す。
	dialErr error
	// dials は Dial の呼び出し回数。
	dials int
	// open は未クローズの接続数。
	open int
}

type queue struct {
	name      string
	durable   bool
	exclusive bool
	owner     *Conn
	consumers []*consumer
	next      int
	backlog   []amqp.Delivery
}

type consumer struct {
	owner *Channel
	ch    chan amqp.Delivery
}

// New は空のブローカーを生成する。
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		published: make(map[string][]amqp.Publishing),
	}
}

// Dial は新しい接続を返す。
func (b *Broker) Dial(_ context.Context) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	b.open++
	return &Conn{broker: b}, nil
}

// Connect は Dial と同じだが具象型を返す。
func (b *Broker) Connect() *Conn {
	conn, err := b.Dial(context.Background())
	if err != nil {
		panic(fmt.Sprintf("brokertest: 接続に失敗: %v", err))
	}
	return conn.(*Conn)
}

// FailDial は以降の Dial が err を返すようにする。nilで解除する。
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailPublish は以降の Publish が err を返すようにする。nilで解除する。
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Published はキューに発行されたメッセージの一覧を返す。
func (b *Broker) Published(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.published[name]...)
}

// Durable はキューが宣言済みかどうかと、その durable 属性を返す。
func (b *Broker) Durable(name string) (durable, declared bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return false, false
	}
	return q.durable, true
}

// Dials は Dial の呼び出し回数を返す。
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections は未クローズの接続数を返す。
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Handler はリクエストを受け取り、ReplyTo に返す応答を返す。
// 応答の CorrelationId は Handler が設定する。nilを返すと応答しない。
type Handler func(req amqp.Delivery) []amqp.Publishing

// ReplyWith はリクエストと同じ相関IDで body を返す Handler を生成する。
func ReplyWith(body []byte) Handler {
	return func(req amqp.Delivery) []amqp.Publishing {
		return []amqp.Publishing{{
			ContentType:   "application/json",
			CorrelationId: req.CorrelationId,
			Body:          body,
		}}
	}
}

// Serve はキュー name を購読するワーカーを起動する。
// 返り値の関数でワーカーを停止し、終了を待つ。
func (b *Broker) Serve(name string, handler Handler) (stop func()) {
	conn := b.Connect()
	ch, _ := conn.Channel()
	if _, err := broker.DeclareQueue(ch, name, false); err != nil {
		panic(fmt.Sprintf("brokertest: キュー宣言に失敗: %v", err))
	}
	msgs, err := ch.Consume(name, "", true, false, false, false, nil)
	if err != nil {
		panic(fmt.Sprintf("brokertest: 購読に失敗: %v", err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for req := range msgs {
			for _, reply := range handler(req) {
				_ = ch.Publish("", req.ReplyTo, false, false, reply)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = conn.Close()
			<-done
		})
	}
}

// Conn はインメモリ接続。
type Conn struct {
	broker   *Broker
	channels []*Channel
	closed   bool
}

// Channel は新しいチャネルを開く。
func (c *Conn) Channel() (broker.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Close は接続を閉じる。開いているチャネルを閉じ、この接続の排他キューを削除する。
func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	b.open--
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			delete(b.queues, name)
		}
	}
	return nil
}

// Channel はインメモリチャネル。
type Channel struct {
	conn   *Conn
	closed bool
}

// QueueDeclare はキューを宣言する。name が空の場合は名前を自動生成する。
func (ch *Channel) QueueDeclare(name string, durable, _, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		name = "amq.gen-" + uuid.New().String()
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			ch.closeLocked()
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name),
			}
		}
		return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
	}

	q := &queue{name: name, durable: durable, exclusive: exclusive}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// Consume はキューの購読を開始する。
func (ch *Channel) Consume(name, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}

	c := &consumer{owner: ch, ch: make(chan amqp.Delivery, consumerBuffer)}
	for _, d := range q.backlog {
		c.ch <- d
	}
	q.backlog = nil
	q.consumers = append(q.consumers, c)
	return c.ch, nil
}

// Publish はデフォルトエクスチェンジ経由でキュー key にメッセージを配送する。
// 存在しないキュー宛てのメッセージは破棄される。
func (ch *Channel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	if exchange != "" {
		return errors.New("brokertest: デフォルトエクスチェンジのみサポートしています")
	}

	b.published[key] = append(b.published[key], msg)
	q, ok := b.queues[key]
	if !ok {
		return nil
	}

	d := amqp.Delivery{
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		RoutingKey:    key,
		Body:          msg.Body,
	}
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, d)
		return nil
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	select {
	case c.ch <- d:
	default:
		q.backlog = append(q.backlog, d)
	}
	return nil
}

// Close はチャネルを閉じ、このチャネルのコンシューマへの配信を終了する。
func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

// closeLocked は b.mu を保持した状態でチャネルを閉じる。
func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, q := range ch.conn.broker.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.owner == ch {
				close(c.ch)
				continue
			}
			kept = append(kept, c)
		}
		q.consumers = kept
	}
}
