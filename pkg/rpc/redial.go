package rpc

import (
	"context"
	"errors"
	"sync"

	"github.com/nao1215/ocrgate/pkg/broker"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.uber.org/multierr"
)

// Redialer はブローカーとの接続が失われたRPCクライアントを作り直す。
// 呼び出しのたびに現在のクライアントの状態を確認し、購読が終了していれば
// connector で新しい接続を張ってクライアントを置き換える。
type Redialer struct {
	// connector は再接続に使用する。
	connector broker.Connector
	// queue はリクエストの送信先キュー。
	queue string
	// opts は新しいクライアントに適用するオプション。
	opts []Option

	// mu は以下のフィールドを保護し、置き換えを直列化する。
	mu sync.Mutex
	// conn は現在のクライアントが使用している接続。
	conn broker.Connection
	// client は現在のクライアント。
	client *Client
	// closed は Close が呼び出されたかどうか。
	closed bool
}

// NewRedialer は conn 上にRPCクライアントを生成し、以降の再接続に connector を使用する Redialer を返す。
// conn の所有権は Redialer に移る。
func NewRedialer(conn broker.Connection, connector broker.Connector, queue string, opts ...Option) (*Redialer, error) {
	client, err := NewClient(conn, queue, opts...)
	if err != nil {
		return nil, err
	}
	return &Redialer{
		connector: connector,
		queue:     queue,
		opts:      opts,
		conn:      conn,
		client:    client,
	}, nil
}

// Call は現在のクライアントで Client.Call を実行する。
func (r *Redialer) Call(ctx context.Context, body []byte) ([]byte, error) {
	c, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, body)
}

// CallJSON は現在のクライアントで Client.CallJSON を実行する。
func (r *Redialer) CallJSON(ctx context.Context, req, resp any) error {
	c, err := r.current(ctx)
	if err != nil {
		return err
	}
	return c.CallJSON(ctx, req, resp)
}

// Check はクライアントが使用できるかを確認する。購読が終了していれば再接続を試みる。
func (r *Redialer) Check(ctx context.Context) error {
	_, err := r.current(ctx)
	return err
}

// Close はクライアントと接続を閉じる。以降の呼び出しは ErrClosed を返す。
func (r *Redialer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.teardownLocked()
}

// current は使用できるクライアントを返す。必要であれば作り直す。
func (r *Redialer) current(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.client != nil && r.client.Err() == nil {
		return r.client, nil
	}

	if r.client != nil {
		r.client.logger.WithError(r.client.Err()).Warn("RPCクライアントを再接続します")
		_ = r.teardownLocked()
	}

	conn, err := r.connector.Dial(ctx)
	if err != nil {
		return nil, unavailable("ブローカーへの再接続に失敗", err)
	}
	client, err := NewClient(conn, r.queue, r.opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	r.conn = conn
	r.client = client
	log.WithFields(log.Fields{
		"queue":       r.queue,
		"reply_queue": client.ReplyQueue(),
	}).Info("RPCクライアントを再接続しました")
	return client, nil
}

// teardownLocked は現在のクライアントと接続を閉じる。r.mu を保持して呼び出す。
func (r *Redialer) teardownLocked() error {
	var err error
	if r.client != nil {
		err = multierr.Append(err, closeIgnoringClosed(r.client.Close()))
		r.client = nil
	}
	if r.conn != nil {
		err = multierr.Append(err, closeIgnoringClosed(r.conn.Close()))
		r.conn = nil
	}
	return err
}

// closeIgnoringClosed は既に閉じられていることを示すエラーを無視する。
func closeIgnoringClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
