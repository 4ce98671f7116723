// 認証サービスのエントリポイント。
// ユーザー登録、トークン発行、OTPによるメールアドレス検証を担当する。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/ocrgate/internal/auth"
	"github.com/nao1215/ocrgate/pkg/broker"
	"github.com/nao1215/ocrgate/pkg/notify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagPort           string
	flagDatabasePath   string
	flagJWTSecret      string
	flagTokenTTL       time.Duration
	flagOTPTTL         time.Duration
	flagRabbitHost     string
	flagRabbitUser     string
	flagRabbitPassword string
	flagDialAttempts   int
	flagDialInterval   time.Duration
	flagLogLevel       string
)

func init() {
	rootCmd.Flags().StringVarP(&flagPort, "port", "p", getEnvOr("PORT", "5000"), "HTTP server listening port")
	rootCmd.Flags().StringVarP(&flagDatabasePath, "database-path", "", getEnvOr("DATABASE_PATH", "/data/auth.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"), "SQLite database DSN")
	rootCmd.Flags().StringVarP(&flagJWTSecret, "jwt-secret", "", os.Getenv("JWT_SECRET"), "Secret used to sign access tokens")
	rootCmd.Flags().DurationVarP(&flagTokenTTL, "token-ttl", "", 0, "Access token lifetime (0 disables expiry)")
	rootCmd.Flags().DurationVarP(&flagOTPTTL, "otp-ttl", "", 10*time.Minute, "One-time password lifetime")

	rootCmd.Flags().StringVarP(&flagRabbitHost, "rabbitmq-host", "", getEnvOr("RABBITMQ_URL", "localhost"), "RabbitMQ host name or full amqp:// URL")
	rootCmd.Flags().StringVarP(&flagRabbitUser, "rabbitmq-user", "", os.Getenv("RABBITMQ_USER"), "RabbitMQ user")
	rootCmd.Flags().StringVarP(&flagRabbitPassword, "rabbitmq-password", "", os.Getenv("RABBITMQ_PASSWORD"), "RabbitMQ password")
	rootCmd.Flags().IntVarP(&flagDialAttempts, "dial-attempts", "", 12, "Maximum number of broker connection attempts at startup")
	rootCmd.Flags().DurationVarP(&flagDialInterval, "dial-interval", "", 5*time.Second, "Interval between broker connection attempts")

	rootCmd.Flags().StringVarP(&flagLogLevel, "log-level", "", getEnvOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "auth",
	Short: "Run the authentication service",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		level, err := log.ParseLevel(flagLogLevel)
		if err != nil {
			log.Fatalf("ログレベルが不正です: %v", err)
		}
		log.SetLevel(level)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := broker.Config{
			Host:     flagRabbitHost,
			User:     flagRabbitUser,
			Password: flagRabbitPassword,
		}

		// 送信時の接続は起動時より試行回数を抑える
		startup := broker.NewDialer(cfg, broker.WithMaxAttempts(flagDialAttempts), broker.WithRetryInterval(flagDialInterval))
		producer, err := notify.NewProducer(ctx, startup, broker.QueueEmailNotification)
		if err != nil {
			log.Fatalf("通知キューの初期化に失敗: %v", err)
		}
		producer = producer.WithConnector(broker.NewDialer(cfg, broker.WithMaxAttempts(3), broker.WithRetryInterval(time.Second)))

		server, err := auth.NewServer(ctx, auth.Config{
			Port:         flagPort,
			DatabasePath: flagDatabasePath,
			JWTSecret:    flagJWTSecret,
			TokenTTL:     flagTokenTTL,
			OTPTTL:       flagOTPTTL,
		}, producer)
		if err != nil {
			log.Fatalf("認証サーバーの初期化に失敗: %v", err)
		}
		defer server.Close()

		log.Infof("認証サービスを起動します: :%s", flagPort)
		if err := server.Run(); err != nil {
			log.Fatalf("認証サービスの起動に失敗: %v", err)
		}
	},
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
