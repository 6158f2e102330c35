package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/tgrelay/internal/config"
	"github.com/zulandar/tgrelay/internal/daemon"
	"github.com/zulandar/tgrelay/internal/logging"
)

// openApp loads the config and assembles the relay. Tests replace it.
var openApp = func(ctx context.Context, configPath string, deps daemon.Deps) (*daemon.App, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, logCloser := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    cfg.Log.Console,
	})
	app, err := daemon.Open(ctx, cfg, logging.Component(log, logging.CompDaemon), deps)
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	return app, func() {
		app.Close()
		logCloser.Close()
	}, nil
}

// withApp opens the relay for a one-shot command and closes it afterwards.
func withApp(cmd *cobra.Command, configPath string, fn func(app *daemon.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
		cmd.SetContext(ctx)
	}
	app, closeApp, err := openApp(ctx, configPath, daemon.Deps{})
	if err != nil {
		return err
	}
	defer closeApp()
	return fn(app)
}
