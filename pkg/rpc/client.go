package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/ocrgate/pkg/broker"
	"github.com/nao1215/ocrgate/pkg/message"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

var (
	// ErrTimeout は期限内に応答が届かなかったことを表す。
	ErrTimeout = errors.New("RPC応答がタイムアウトしました")
	// ErrMalformedReply は応答本文をデコードできなかったことを表す。
	ErrMalformedReply = errors.New("RPC応答の形式が不正です")
	// ErrClosed は Close 済みのクライアントを呼び出したことを表す。
	ErrClosed = errors.New("RPCクライアントは閉じられています")
)

const (
	// defaultTimeout は呼び出し元のコンテキストに期限がない場合の待機時間。
	defaultTimeout = 30 * time.Second
	// closeWait は Close が応答キュー購読の終了を待つ最大時間。
	closeWait = 5 * time.Second
)

// Client はブローカー経由の同期RPCクライアント。
type Client struct {
	// ch はこのクライアント専用のチャネル。
	ch broker.Channel
	// queue はリクエストの送信先キュー。
	queue string
	// replyQueue はこのクライアント専用の応答キュー名。
	replyQueue string
	// timeout は期限のない呼び出しに適用する待機時間。
	timeout time.Duration
	// publishMu はチャネルへの発行を直列化する。
	publishMu sync.Mutex

	// mu は以下のフィールドを保護する。
	mu sync.Mutex
	// pending は相関IDごとの応答待ち。容量1のチャネルで応答本文を受け取る。
	pending map[string]chan []byte
	// stopped は応答キューの購読が終了したかどうか。
	stopped bool
	// closing は Close が呼び出されたかどうか。
	closing bool

	// done は応答キューの購読ゴルーチンの終了時に閉じられる。
	done chan struct{}
	// logger はこのクライアントのロガー。
	logger *log.Entry
}

// Option は Client の設定を変更する。
type Option func(*Client)

// WithTimeout は期限のない呼び出しに適用する待機時間を設定する。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewClient は queue にリクエストを送るRPCクライアントを生成する。
// conn 上に専用チャネルを開き、送信先キューを冪等に宣言したうえで、
// 排他・自動命名の応答キューを宣言して購読を開始する。
// conn の所有権は呼び出し元に残る。
func NewClient(conn broker.Connection, queue string, opts ...Option) (*Client, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, unavailable("RPCチャネルの作成に失敗", err)
	}

	if _, err := broker.DeclareQueue(ch, queue, false); err != nil {
		_ = ch.Close()
		return nil, unavailable("送信先キューの宣言に失敗", err)
	}

	q, err := broker.DeclareReplyQueue(ch)
	if err != nil {
		_ = ch.Close()
		return nil, unavailable("応答キューの宣言に失敗", err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, unavailable("応答キューの購読に失敗", err)
	}

	c := &Client{
		ch:         ch,
		queue:      queue,
		replyQueue: q.Name,
		timeout:    defaultTimeout,
		pending:    make(map[string]chan []byte),
		done:       make(chan struct{}),
		logger: log.WithFields(log.Fields{
			"queue":       queue,
			"reply_queue": q.Name,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.dispatch(msgs)
	return c, nil
}

// ReplyQueue はこのクライアント専用の応答キュー名を返す。
func (c *Client) ReplyQueue() string {
	return c.replyQueue
}

// Err はクライアントが使用できない場合にその理由を返す。使用できる場合はnilを返す。
// 応答キューの購読が終了したクライアントは回復しないため、作り直す必要がある。
func (c *Client) Err() error {
	c.mu.Lock()
	stopped, closing := c.stopped, c.closing
	c.mu.Unlock()
	if !stopped && !closing {
		return nil
	}
	return c.stoppedErr()
}

// Call は body をリクエストとして送信し、一致する応答の本文を返す。
// ctx に期限がない場合はクライアントの既定の待機時間を適用する。
// 期限切れの場合は ErrTimeout を返し、保留中の応答待ちを破棄する。
// 以降に届いた遅延応答は破棄され、クライアントは引き続き使用できる。
func (c *Client) Call(ctx context.Context, body []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	corrID := uuid.New().String()
	reply := make(chan []byte, 1)

	c.mu.Lock()
	if c.stopped || c.closing {
		c.mu.Unlock()
		return nil, c.stoppedErr()
	}
	c.pending[corrID] = reply
	c.mu.Unlock()

	pendingCalls.WithLabelValues(c.queue).Inc()
	defer pendingCalls.WithLabelValues(c.queue).Dec()

	start := time.Now()
	if err := c.publish(corrID, body); err != nil {
		c.forget(corrID)
		callsTotal.WithLabelValues(c.queue, resultUnavailable).Inc()
		return nil, unavailable("リクエストの送信に失敗", err)
	}

	select {
	case body, ok := <-reply:
		if !ok {
			callsTotal.WithLabelValues(c.queue, resultUnavailable).Inc()
			return nil, c.stoppedErr()
		}
		callsTotal.WithLabelValues(c.queue, resultOK).Inc()
		callDuration.WithLabelValues(c.queue).Observe(time.Since(start).Seconds())
		return body, nil
	case <-ctx.Done():
		c.forget(corrID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			callsTotal.WithLabelValues(c.queue, resultTimeout).Inc()
			c.logger.WithField("correlation_id", corrID).Warn("RPC応答がタイムアウトしました")
			return nil, fmt.Errorf("%w: correlation_id=%s", ErrTimeout, corrID)
		}
		callsTotal.WithLabelValues(c.queue, resultCanceled).Inc()
		return nil, fmt.Errorf("RPC呼び出しが中断されました: %w", ctx.Err())
	}
}

// CallJSON は req をJSONで送信し、応答を resp にデコードする。
// resp が nil の場合は応答本文を破棄する。デコードに失敗した場合は ErrMalformedReply を返す。
func (c *Client) CallJSON(ctx context.Context, req, resp any) error {
	body, err := message.Encode(req)
	if err != nil {
		return err
	}

	replyBody, err := c.Call(ctx, body)
	if err != nil {
		return err
	}

	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(replyBody, resp); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	return nil
}

// Close はチャネルを閉じ、応答待ちの呼び出しを ErrClosed で終了させる。
// 接続は閉じない。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	err := c.ch.Close()

	select {
	case <-c.done:
	case <-time.After(closeWait):
		c.logger.Warn("応答キューの購読終了を待機中にタイムアウトしました")
	}
	return err
}

// publish はリクエストを送信先キューに発行する。
func (c *Client) publish(corrID string, body []byte) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	return c.ch.Publish(
		"",      // exchange
		c.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: corrID,
			ReplyTo:       c.replyQueue,
			Timestamp:     time.Now(),
			Body:          body,
		})
}

// dispatch は応答キューのメッセージを相関IDで保留中の呼び出しに振り分ける。
// 購読が終了したら、残っている応答待ちをすべて終了させる。
func (c *Client) dispatch(msgs <-chan amqp.Delivery) {
	defer close(c.done)

	for d := range msgs {
		c.mu.Lock()
		reply, ok := c.pending[d.CorrelationId]
		if ok {
			delete(c.pending, d.CorrelationId)
		}
		c.mu.Unlock()

		if !ok {
			discardedReplies.WithLabelValues(c.queue).Inc()
			c.logger.WithField("correlation_id", d.CorrelationId).Debug("対応する呼び出しのない応答を破棄しました")
			continue
		}
		reply <- d.Body
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	for id, reply := range c.pending {
		delete(c.pending, id)
		close(reply)
	}
	if !c.closing {
		c.logger.Error("応答キューの購読が終了しました。ブローカーとの接続が失われた可能性があります")
	}
}

// forget は応答待ちを保留テーブルから取り除く。
func (c *Client) forget(corrID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, corrID)
}

// stoppedErr は購読終了後の呼び出しに返すエラー。
func (c *Client) stoppedErr() error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return ErrClosed
	}
	return fmt.Errorf("%w: 応答キューの購読が終了しました", broker.ErrBrokerUnavailable)
}

// unavailable は err を ErrBrokerUnavailable としてラップする。
func unavailable(msg string, err error) error {
	if errors.Is(err, broker.ErrBrokerUnavailable) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%w: %s: %w", broker.ErrBrokerUnavailable, msg, err)
}
