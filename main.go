package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/voicebridge/assistant-gateway/config"
	"github.com/voicebridge/assistant-gateway/dialog"
	"github.com/voicebridge/assistant-gateway/logging"
	"github.com/voicebridge/assistant-gateway/server"
	"github.com/voicebridge/assistant-gateway/session"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	registry := session.NewRegistry()
	engine := dialog.NewClient(cfg.AssistantURL, log)

	if cfg.LogStatusEvery > 0 {
		go logStatus(ctx, registry, log, time.Duration(cfg.LogStatusEvery)*time.Second)
	}

	srv := server.New(cfg, log, registry, engine)
	if err := srv.Serve(ctx); err != nil {
		log.Error("SIP server stopped", zap.Error(err))
	}

	// Release every live call before exiting.
	registry.HangupAll()
}

func logStatus(ctx context.Context, registry *session.Registry, log *zap.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Info("active calls",
				zap.Int("total", registry.Count()),
				zap.Int("playing", len(registry.InState(session.StatePlaying))),
				zap.Int("in_turn", len(registry.InState(session.StateTurnInProgress))))
		case <-ctx.Done():
			return
		}
	}
}
