// Command gastos-bridge relays messages from one WhatsApp group chat into a
// Redis stream for downstream expense processing, and posts the workers'
// confirmation replies back into the chat.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/caam1406/gastos-bridge/pkg/api"
	"github.com/caam1406/gastos-bridge/pkg/bridge"
	"github.com/caam1406/gastos-bridge/pkg/bus"
	"github.com/caam1406/gastos-bridge/pkg/config"
	"github.com/caam1406/gastos-bridge/pkg/eventlog"
	"github.com/caam1406/gastos-bridge/pkg/logger"
	"github.com/caam1406/gastos-bridge/pkg/sidechannel"
	"github.com/caam1406/gastos-bridge/pkg/whatsapp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.ErrorCF("main", "Configuration error", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stream, err := eventlog.NewRedisStream(cfg.RedisURL, cfg.StreamName)
	if err != nil {
		fatal("Failed to create event log client", err)
	}
	defer stream.Close()
	if err := stream.Ping(ctx); err != nil {
		fatal("Redis is unreachable", err)
	}

	confirmations, err := sidechannel.NewRedisChannel(cfg.RedisURL, cfg.ConfirmationsChannel)
	if err != nil {
		fatal("Failed to create side channel client", err)
	}
	defer confirmations.Close()

	eventBus := bus.New()
	session := whatsapp.New(cfg.StorePath, eventBus)

	br := bridge.New(session, stream, eventBus, bridge.Options{
		TargetChatName: cfg.TargetChatName,
		StartupNotice:  cfg.StartupNotice,
		RescanCron:     cfg.RescanCron,
	})

	server := api.NewServer(cfg.HTTPHost, cfg.HTTPPort, cfg.APIToken, br, session, eventBus)
	if err := server.Start(ctx); err != nil {
		fatal("Failed to start control surface", err)
	}
	defer server.Stop()

	if err := session.Start(ctx); err != nil {
		fatal("Failed to start WhatsApp session", err)
	}
	defer session.Stop()

	logger.InfoCF("main", "gastos-bridge running", map[string]interface{}{
		"target_chat": cfg.TargetChatName,
		"stream":      cfg.StreamName,
	})

	if err := br.Run(ctx, confirmations.Listen(ctx)); err != nil {
		fatal("Bridge stopped", err)
	}

	logger.InfoC("main", "Shutting down")
}

func fatal(msg string, err error) {
	logger.ErrorCF("main", msg, map[string]interface{}{
		"error": err.Error(),
	})
	os.Exit(1)
}
