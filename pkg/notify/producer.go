package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/ocrgate/pkg/broker"
	"github.com/nao1215/ocrgate/pkg/message"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.uber.org/multierr"
)

// otpSubject はワンタイムパスワード通知の件名。
const otpSubject = "Verify your email"

// Producer は通知メッセージを durable キューに発行する。
type Producer struct {
	// connector は送信ごとに新しい接続を確立する。
	connector broker.Connector
	// queue は発行先のキュー名。
	queue string
}

// NewProducer は新しい Producer を生成し、発行先キューを durable として宣言する。
func NewProducer(ctx context.Context, connector broker.Connector, queue string) (*Producer, error) {
	p := &Producer{
		connector: connector,
		queue:     queue,
	}
	if err := p.withChannel(ctx, func(ch broker.Channel) error {
		_, err := broker.DeclareQueue(ch, queue, true)
		return err
	}); err != nil {
		return nil, fmt.Errorf("通知キューの初期化に失敗: %w", err)
	}
	return p, nil
}

// WithConnector は送信時に connector で接続する Producer の複製を返す。
// キューの宣言はやり直さない。
func (p *Producer) WithConnector(connector broker.Connector) *Producer {
	return &Producer{
		connector: connector,
		queue:     p.queue,
	}
}

// Send は宛先・件名・本文からなる通知を発行する。
func (p *Producer) Send(ctx context.Context, recipient, subject, body string) error {
	payload, err := message.Encode(message.NewNotification(recipient, subject, body))
	if err != nil {
		return err
	}

	if err := p.withChannel(ctx, func(ch broker.Channel) error {
		return ch.Publish(
			"",      // exchange
			p.queue, // routing key
			false,   // mandatory
			false,   // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Body:         payload,
			})
	}); err != nil {
		return fmt.Errorf("通知の発行に失敗: %w", err)
	}

	log.WithFields(log.Fields{
		"queue":   p.queue,
		"subject": subject,
	}).Info("通知を発行しました")
	return nil
}

// SendOTP はワンタイムパスワードを通知する。
func (p *Producer) SendOTP(ctx context.Context, email, code string) error {
	return p.Send(ctx, email, otpSubject, fmt.Sprintf("Your OTP is %s", code))
}

// withChannel は新しい接続とチャネルで fn を実行し、必ず両方を閉じる。
func (p *Producer) withChannel(ctx context.Context, fn func(ch broker.Channel) error) (err error) {
	conn, err := p.connector.Dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeIgnoringClosed(conn.Close()))
	}()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeIgnoringClosed(ch.Close()))
	}()

	return fn(ch)
}

// closeIgnoringClosed は既に閉じられていることを示すエラーを無視する。
// キュー宣言の失敗時などはブローカー側でチャネルが閉じられている。
func closeIgnoringClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
