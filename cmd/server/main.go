package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/HMasataka/mapserve/internal/app"
	"github.com/HMasataka/mapserve/internal/browser"
	"github.com/HMasataka/mapserve/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	path, err := config.DefaultPath()
	if err != nil {
		fmt.Printf("❌ Unexpected error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Printf("❌ Unexpected error: %v\n", err)
		return 1
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, os.Stdout, logger, browser.NewSystemLauncher())
	// 停止処理中の二度目の割り込みは即座にプロセスを終了させる
	a.OnInterrupt(stop)

	return app.ExitCode(a.Run(ctx))
}
