package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/itsthenavid/arc-sockstate/app"
)

func main() {
	if err := app.Run(context.Background()); err != nil {
		slog.Error("arc-sockstate.exit", "err", err)
		os.Exit(1)
	}
}
