// Package main provides the relay server binary.
// It accepts length-prefixed JSON frames over TCP, rebroadcasts each frame to
// every connected client and tracks player positions in memory.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
	"github.com/cory-johannsen/relay/internal/game/player"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/relay"
	"github.com/cory-johannsen/relay/internal/server"
)

func main() {
	start := time.Now()

	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	configPath := fs.String("config", "", "path to an optional YAML configuration file")
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	players := player.NewRegistry()
	relayServer := relay.NewServer(cfg.Relay, players, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("relay", &server.FuncService{
		StartFn: relayServer.ListenAndServe,
		StopFn:  relayServer.Stop,
	})

	logger.Info("relay initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("relay_addr", cfg.Relay.Addr()),
		zap.String("max_frame_bytes", frameLimit(cfg.Relay.MaxFrameBytes)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func frameLimit(n uint32) string {
	if n == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}
