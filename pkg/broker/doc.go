// Package broker はRabbitMQ（AMQP 0-9-1）ブローカーへの接続を抽象化する。
//
// 各コンポーネントはプロセス全体で共有されるグローバル接続ではなく、
// 構築時に明示的に渡された Connection を所有する。起動時の接続確立は
// 固定間隔・上限回数付きでリトライし、上限到達時は ErrBrokerUnavailable を返す。
package broker
