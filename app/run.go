package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run loads configuration from the environment and serves until SIGINT,
// SIGTERM or ctx cancellation. It returns an error instead of calling os.Exit
// so that a host main keeps its defers.
func Run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx, nil)
}
