// API Gatewayサービスのエントリポイント。
// 認証サービスへのリクエスト転送と、ブローカー経由のOCRワーカー呼び出しを担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nao1215/ocrgate/internal/gateway"
	"github.com/nao1215/ocrgate/pkg/broker"
	"github.com/nao1215/ocrgate/pkg/rpc"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagPort           string
	flagJWTSecret      string
	flagAuthBaseURL    string
	flagRabbitHost     string
	flagRabbitUser     string
	flagRabbitPassword string
	flagOCRTimeout     time.Duration
	flagDialAttempts   int
	flagDialInterval   time.Duration
	flagMaxUploadBytes int64
	flagLogLevel       string
)

func init() {
	rootCmd.Flags().StringVarP(&flagPort, "port", "p", getEnvOr("PORT", "8080"), "HTTP server listening port")
	rootCmd.Flags().StringVarP(&flagJWTSecret, "jwt-secret", "", os.Getenv("JWT_SECRET"), "Secret shared with the auth service for token validation")
	rootCmd.Flags().StringVarP(&flagAuthBaseURL, "auth-base-url", "", getEnvOr("AUTH_BASE_URL", "http://localhost:5000"), "Base URL of the auth service")

	rootCmd.Flags().StringVarP(&flagRabbitHost, "rabbitmq-host", "", getEnvOr("RABBITMQ_URL", "localhost"), "RabbitMQ host name or full amqp:// URL")
	rootCmd.Flags().StringVarP(&flagRabbitUser, "rabbitmq-user", "", os.Getenv("RABBITMQ_USER"), "RabbitMQ user")
	rootCmd.Flags().StringVarP(&flagRabbitPassword, "rabbitmq-password", "", os.Getenv("RABBITMQ_PASSWORD"), "RabbitMQ password")
	rootCmd.Flags().IntVarP(&flagDialAttempts, "dial-attempts", "", 12, "Maximum number of broker connection attempts at startup")
	rootCmd.Flags().DurationVarP(&flagDialInterval, "dial-interval", "", 5*time.Second, "Interval between broker connection attempts")

	rootCmd.Flags().DurationVarP(&flagOCRTimeout, "ocr-timeout", "", getEnvDurationOr("OCR_TIMEOUT", 30*time.Second), "Deadline for a reply from the OCR worker")
	rootCmd.Flags().Int64VarP(&flagMaxUploadBytes, "max-upload-bytes", "", 20<<20, "Maximum size of an uploaded file")
	rootCmd.Flags().StringVarP(&flagLogLevel, "log-level", "", getEnvOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the OCR API gateway",
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
		dialer := broker.NewDialer(cfg, broker.WithMaxAttempts(flagDialAttempts), broker.WithRetryInterval(flagDialInterval))

		conn, err := dialer.Dial(ctx)
		if err != nil {
			log.Fatalf("ブローカーへの接続に失敗: %v", err)
		}

		if err := broker.DeclareServiceQueues(conn); err != nil {
			log.Fatalf("キューの宣言に失敗: %v", err)
		}

		// 接続断後の再接続は要求処理中に行うため1回だけ試行する
		redialer := broker.NewDialer(cfg, broker.WithMaxAttempts(1))
		ocrClient, err := rpc.NewRedialer(conn, redialer, broker.QueueOCRService, rpc.WithTimeout(flagOCRTimeout))
		if err != nil {
			log.Fatalf("OCRクライアントの初期化に失敗: %v", err)
		}
		defer ocrClient.Close()

		server, err := gateway.NewServer(gateway.Config{
			Port:           flagPort,
			JWTSecret:      flagJWTSecret,
			AuthBaseURL:    flagAuthBaseURL,
			MaxUploadBytes: flagMaxUploadBytes,
		}, ocrClient)
		if err != nil {
			log.Fatalf("Gatewayサーバーの初期化に失敗: %v", err)
		}

		log.Infof("Gatewayサービスを起動します: :%s", flagPort)
		if err := server.Run(); err != nil {
			log.Fatalf("Gatewayサービスの起動に失敗: %v", err)
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

// getEnvDurationOr は環境変数を秒数または time.Duration 形式で解釈する。
func getEnvDurationOr(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	log.Warnf("%s の値が不正なため既定値を使用します: %q", key, v)
	return defaultValue
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
