package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/hitoshi/readtrack/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		slog.Error("readtrack exited with error", slog.String("error", err.Error()))
		if errors.Is(err, app.ErrAggregateInconsistent) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
