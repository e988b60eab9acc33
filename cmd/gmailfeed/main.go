// Command gmailfeed polls Gmail for bank card-purchase notification emails
// and publishes them to the same Redis stream the WhatsApp bridge appends
// to, so the downstream expense workers see both sources.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caam1406/gastos-bridge/pkg/eventlog"
	"github.com/caam1406/gastos-bridge/pkg/gmail"
	"github.com/caam1406/gastos-bridge/pkg/logger"
)

func main() {
	env := func(key, fallback string) string {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
		return fallback
	}

	logger.Init(env("GASTOS_LOG_LEVEL", "info"))

	redisURL := env("REDIS_URL", "redis://localhost:6379")
	streamName := env("GASTOS_STREAM_NAME", "gastos:msgs")
	credentialsPath := env("GMAIL_CREDENTIALS_PATH", "credentials.json")
	tokenPath := env("GMAIL_TOKEN_PATH", "token.json")
	query := env("GMAIL_QUERY", "")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stream, err := eventlog.NewRedisStream(redisURL, streamName)
	if err != nil {
		fatal("Failed to create event log client", err)
	}
	defer stream.Close()
	if err := stream.Ping(ctx); err != nil {
		fatal("Redis is unreachable", err)
	}

	reader, err := gmail.New(ctx, credentialsPath, tokenPath, query, stream)
	if err != nil {
		fatal("Failed to initialize Gmail reader", err)
	}

	reader.Run(ctx)
	logger.InfoC("main", "Shutting down")
}

func fatal(msg string, err error) {
	logger.ErrorCF("main", msg, map[string]interface{}{
		"error": err.Error(),
	})
	os.Exit(1)
}
