package reconcile

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/action"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/event"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/screening"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Worker picks up calls that stalled mid-flight, after a crash or a provider
// outage, and drives them to a settled outcome. It also prunes expired
// dedup events.
type Worker struct {
	CallRepository   *call.Repository
	Registry         *call.Registry
	ScreeningService *screening.Service
	Executor         *action.Executor
	Deduplicator     *event.Deduplicator
	WorkerPool       *ants.Pool
}

func NewWorker(
	dbConn *gorm.DB,
	registry *call.Registry,
	screeningService *screening.Service,
	executor *action.Executor,
	deduplicator *event.Deduplicator,
) (*Worker, error) {
	pool, err := ants.NewPool(config.Conf.ReconcilePoolSize)
	if err != nil {
		return nil, err
	}

	return &Worker{
		CallRepository:   call.NewRepository(dbConn),
		Registry:         registry,
		ScreeningService: screeningService,
		Executor:         executor,
		Deduplicator:     deduplicator,
		WorkerPool:       pool,
	}, nil
}

// Restore rebuilds the in-memory registry of live calls after a restart.
func (worker *Worker) Restore(ctx context.Context) error {
	records, err := worker.CallRepository.ListNonTerminal(ctx)
	if err != nil {
		return err
	}

	for idx := range records {
		worker.Registry.Track(records[idx].CallID)
	}

	logging.Logger.Info("Restored live call registry",
		zap.Int("count", len(records)))

	return nil
}

// Run scans immediately, then on every tick, until the context is canceled.
func (worker *Worker) Run(ctx context.Context) error {
	interval := time.Duration(config.Conf.ReconcileIntervalSecs) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	worker.reconcilePass(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			worker.reconcilePass(ctx)
		}
	}
}

func (worker *Worker) reconcilePass(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(config.Conf.ReconcileGraceSecs) * time.Second)

	records, err := worker.CallRepository.ListUnsettledBefore(
		ctx, cutoff, config.Conf.ReconcileBatchLimit)
	if err != nil {
		logging.Logger.Error("Reconcile scan failed", zap.String("error", err.Error()))
		return
	}

	for idx := range records {
		record := records[idx]

		err = worker.WorkerPool.Submit(func() {
			worker.redrive(ctx, &record)
		})
		if err != nil {
			logging.Logger.Error("Failed to submit redrive to worker pool",
				zap.String("call_id", record.CallID),
				zap.String("error", err.Error()),
			)
		}
	}

	retention := time.Duration(config.Conf.EventRetentionHours) * time.Hour

	_, err = worker.Deduplicator.Sweep(ctx, time.Now().Add(-retention))
	if err != nil {
		logging.Logger.Error("Event sweep failed", zap.String("error", err.Error()))
	}
}

// redrive resumes whatever step the call stalled on. Every step it hands off
// to is idempotent, so redriving a call that meanwhile settled is harmless.
func (worker *Worker) redrive(ctx context.Context, record *call.CallRecord) {
	logging.Logger.Info("Redriving stalled call",
		zap.String("call_id", record.CallID),
		zap.String("state", record.State),
	)

	prometheus.RedrivenCalls.Inc()

	switch record.State {
	case call.StateScreening:
		if len(record.Utterances()) == 0 {
			// nothing stored to analyze; the next screen request or the
			// call_ended notification will settle it
			logging.Logger.Info("Stalled call has no transcript, leaving as is",
				zap.String("call_id", record.CallID))

			return
		}

		err := worker.ScreeningService.Redrive(ctx, record)
		if err != nil {
			logging.Logger.Warn("Redrive screening failed, will retry next pass",
				zap.String("call_id", record.CallID),
				zap.String("error", err.Error()),
			)
		}

	case call.StateBlocked:
		worker.Executor.Execute(ctx, call.Intent{
			Kind:    call.ActionBlock,
			CallID:  record.CallID,
			Summary: record.Summary,
		})

	case call.StateTransferring:
		worker.Executor.Execute(ctx, call.Intent{
			Kind:    call.ActionTransfer,
			CallID:  record.CallID,
			Summary: record.Summary,
		})

	case call.StateStarted:
		// started long ago with no screen request; the provider's
		// call_ended notification or analysis of a later request settles it
		logging.Logger.Info("Call idle in STARTED past grace period",
			zap.String("call_id", record.CallID))
	}
}

// Release tears down the worker pool during shutdown.
func (worker *Worker) Release() {
	worker.WorkerPool.Release()
}
