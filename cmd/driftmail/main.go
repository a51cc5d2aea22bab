package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string

	httpAddr string
	smtpAddr string

	secretKey string
	logLevel  string

	imapWorkers   int
	submitWorkers int
	notifyWorkers int

	gmailClientID       string
	gmailClientSecret   string
	outlookClientID     string
	outlookClientSecret string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "driftmail",
		Short: "Driftmail — self-hosted email sync and submission engine",
		Long: `Driftmail keeps persistent IMAP sessions open for registered accounts,
turns mailbox changes into webhook notifications, and submits outbound
messages through each account's own SMTP endpoint with durable retries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newEncryptCmd(cfg))
	root.AddCommand(newScanCmd(cfg))
	root.AddCommand(newPasswordCmd())
	root.AddCommand(newTokensCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("DRIFTMAIL_REDIS_ADDR", "127.0.0.1:6379"), "Redis server address")
	root.PersistentFlags().StringVar(&cfg.redisPassword, "redis-password", envOrDefault("DRIFTMAIL_REDIS_PASSWORD", ""), "Redis AUTH password")
	root.PersistentFlags().IntVar(&cfg.redisDB, "redis-db", envIntOrDefault("DRIFTMAIL_REDIS_DB", 0), "Redis logical database")
	root.PersistentFlags().StringVar(&cfg.redisPrefix, "redis-prefix", envOrDefault("DRIFTMAIL_REDIS_PREFIX", ""), "Key prefix for shared Redis databases")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("DRIFTMAIL_SECRET_KEY", ""), "Key for encrypting credentials at rest (empty stores plaintext)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DRIFTMAIL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.Flags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("DRIFTMAIL_HTTP_ADDR", ":3000"), "HTTP API listen address")
	root.Flags().StringVar(&cfg.smtpAddr, "smtp-addr", envOrDefault("DRIFTMAIL_SMTP_ADDR", "127.0.0.1:2525"), "SMTP reception listen address")
	root.Flags().IntVar(&cfg.imapWorkers, "imap-workers", envIntOrDefault("DRIFTMAIL_IMAP_WORKERS", 4), "IMAP worker pool size")
	root.Flags().IntVar(&cfg.submitWorkers, "submit-workers", envIntOrDefault("DRIFTMAIL_SUBMIT_WORKERS", 2), "Submission worker pool size")
	root.Flags().IntVar(&cfg.notifyWorkers, "notify-workers", envIntOrDefault("DRIFTMAIL_NOTIFY_WORKERS", 2), "Notification worker pool size")
	root.Flags().StringVar(&cfg.gmailClientID, "gmail-client-id", envOrDefault("DRIFTMAIL_GMAIL_CLIENT_ID", ""), "OAuth2 client id for Gmail accounts")
	root.Flags().StringVar(&cfg.gmailClientSecret, "gmail-client-secret", envOrDefault("DRIFTMAIL_GMAIL_CLIENT_SECRET", ""), "OAuth2 client secret for Gmail accounts")
	root.Flags().StringVar(&cfg.outlookClientID, "outlook-client-id", envOrDefault("DRIFTMAIL_OUTLOOK_CLIENT_ID", ""), "OAuth2 client id for Outlook accounts")
	root.Flags().StringVar(&cfg.outlookClientSecret, "outlook-client-secret", envOrDefault("DRIFTMAIL_OUTLOOK_CLIENT_SECRET", ""), "OAuth2 client secret for Outlook accounts")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("driftmail %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
