package main

import (
	"context"
	"errors"
	"log"
	"net/http"

	"relaydesk/internal/app"
	"relaydesk/pkg/config"
	"relaydesk/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	flags := config.ParseConfigFlags()
	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	envCfg, envRes := config.ParseConfigEnvs()
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		log.Fatalf("failed to resolve config: %v", err)
	}

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup failed", err, eff.DBPath, 0)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		shutdown.Abort("server exited", err, eff.DBPath, 0)
	}
}
