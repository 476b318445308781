package wisp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/action"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/analysis"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/dashboard"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/event"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/healthchecker"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/httpapi"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/reconcile"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/screening"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/telephony"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Wisp struct {
	DBConn               *gorm.DB
	Registry             *call.Registry
	Deduplicator         *event.Deduplicator
	AnalysisService      *analysis.Service
	TelephonyService     *telephony.Service
	Executor             *action.Executor
	CallService          *call.Service
	ScreeningService     *screening.Service
	ReconcileWorker      *reconcile.Worker
	HTTPServer           *http.Server
	HealthCheckerService *healthchecker.Healthchecker
}

func NewApp(ctxCancelFunc context.CancelFunc) (*Wisp, error) {
	logging.Logger.Info("[NewApp] Initializing Wisp application...")

	healthcheckerService := healthchecker.NewService(ctxCancelFunc)

	dbConn, err := database.NewDatabase()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Database connection established")

	registry := call.NewRegistry()
	deduplicator := event.NewDeduplicator(dbConn)
	analysisService := analysis.NewService()
	telephonyService := telephony.NewService()

	executor, err := action.NewExecutor(dbConn, registry, telephonyService)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create action executor", zap.Error(err))
		return nil, err
	}

	callService := call.NewService(dbConn, registry)
	screeningService := screening.NewService(
		dbConn, registry, analysisService, executor, deduplicator)

	reconcileWorker, err := reconcile.NewWorker(
		dbConn, registry, screeningService, executor, deduplicator)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create reconcile worker", zap.Error(err))
		return nil, err
	}

	handler := &httpapi.Handler{
		CallService:      callService,
		ScreeningService: screeningService,
		Deduplicator:     deduplicator,
		DashboardRepo:    dashboard.NewRepository(dbConn),
	}

	serverTimeout := time.Duration(config.Conf.ServerTimeout) * time.Second

	server := &http.Server{
		Addr:              ":" + config.Conf.ServerPort,
		Handler:           httpapi.NewRouter(handler),
		ReadTimeout:       serverTimeout,
		ReadHeaderTimeout: serverTimeout,
		WriteTimeout:      serverTimeout,
		IdleTimeout:       serverTimeout,
	}

	logging.Logger.Info("[NewApp] Initializing circuit breakers...")
	circuitbreak.Init()

	return &Wisp{
		DBConn:               dbConn,
		Registry:             registry,
		Deduplicator:         deduplicator,
		AnalysisService:      analysisService,
		TelephonyService:     telephonyService,
		Executor:             executor,
		CallService:          callService,
		ScreeningService:     screeningService,
		ReconcileWorker:      reconcileWorker,
		HTTPServer:           server,
		HealthCheckerService: healthcheckerService,
	}, nil
}

// Run restores in-flight calls, then serves until the context is canceled
// by a signal or a circuit break.
func (app *Wisp) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting app goroutines...")

	go app.HealthCheckerService.Monitor()

	err := app.ReconcileWorker.Restore(ctx)
	if err != nil {
		logging.Logger.Error("[Run] Failed to restore call registry", zap.Error(err))
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logging.Logger.Info("[Run] Starting HTTP server on port " + config.Conf.ServerPort)

		err := app.HTTPServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	group.Go(func() error {
		err := app.ReconcileWorker.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), time.Duration(config.Conf.ServerTimeout)*time.Second)
		defer cancel()

		return app.HTTPServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	if err != nil {
		logging.Logger.Error("[Run] App goroutine returned error", zap.Error(err))
	}

	app.shutdown()

	return err
}

func (app *Wisp) shutdown() {
	logging.Logger.Info("[Run] Releasing worker pools...")

	app.Executor.Release()
	app.ReconcileWorker.Release()

	logging.Logger.Info("[Run] ===== App shutdown complete =====")
}
