package main

import (
	"context"
	"fmt"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting roomchat server",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("identity", cfg.Identity.Driver))

	app, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	go func() {
		if err := server.StartServer(app.http, logger); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"roomchat": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				return app.Close(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("server exited", zap.Int("code", exitCode))
	_ = logger.Sync()
	os.Exit(exitCode)
}
