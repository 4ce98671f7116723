package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

// DeclareQueue は名前付きキューを冪等に宣言する。
// 既存キューと durable 属性が異なる場合、ブローカーはチャネルを閉じてエラーを返す。
// キューの削除・再作成は行わない。
func DeclareQueue(ch Channel, name string, durable bool) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,    // name
		durable, // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("キュー %q の宣言に失敗: %w", name, err)
	}
	return q, nil
}

// DeclareReplyQueue はこの接続専用の排他・自動命名の応答キューを宣言する。
func DeclareReplyQueue(ch Channel) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("応答キューの宣言に失敗: %w", err)
	}
	return q, nil
}

// DeclareServiceQueues はゲートウェイが起動時に宣言するキューをまとめて宣言する。
func DeclareServiceQueues(conn Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck

	for _, name := range []string{QueueGatewayService, QueueOCRService} {
		if _, err := DeclareQueue(ch, name, false); err != nil {
			return err
		}
	}
	return nil
}
