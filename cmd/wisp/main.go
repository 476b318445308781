package main

import (
	"context"
	"os/signal"
	"syscall"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/wisp"
	"go.uber.org/zap"
)

func main() {
	go prometheus.Run()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		ctx, cancel := context.WithCancel(rootCtx)

		app, err := wisp.NewApp(cancel)
		if err != nil {
			logging.Logger.Fatal("failed to create wisp app", zap.String("error", err.Error()))
		}

		err = app.Run(ctx)
		if err != nil {
			panic(err)
		}

		<-ctx.Done()

		if rootCtx.Err() != nil {
			cancel()
			logging.Logger.Info("received shutdown signal, exiting")

			return
		}

		// a circuit break canceled the app context; wait for the failed
		// dependency to recover, then rebuild the app with fresh breakers
		app.HealthCheckerService.Check()

		cancel()
	}
}
