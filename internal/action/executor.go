package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/telephony"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	smsBlockedFormat  = "🚨 Wisp Blocked: %s."
	smsVerifiedFormat = "✅ Wisp Verified: %s. Ringing you now."
	whisperFormat     = "Wisp here. Verified: %s. Press any key to bridge."
)

var ErrUnknownActionKind = errors.New("unknown action kind")

// Executor carries out the protective action a verdict owes: terminating and
// reporting scam calls, bridging verified ones. Each (call, kind) pair runs
// to a completed or skipped outcome at most once, however many times it is
// dispatched.
type Executor struct {
	CallRepository *call.Repository
	Registry       *call.Registry
	Provider       telephony.Provider
	WorkerPool     *ants.Pool
}

func NewExecutor(
	dbConn *gorm.DB, registry *call.Registry, provider telephony.Provider,
) (*Executor, error) {
	pool, err := ants.NewPool(config.Conf.ActionPoolSize)
	if err != nil {
		return nil, err
	}

	return &Executor{
		CallRepository: call.NewRepository(dbConn),
		Registry:       registry,
		Provider:       provider,
		WorkerPool:     pool,
	}, nil
}

// Dispatch schedules the intent on the worker pool. Failures to submit fall
// through to the reconciler, which re-derives owed intents from storage.
func (executor *Executor) Dispatch(intent call.Intent) {
	err := executor.WorkerPool.Submit(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), time.Duration(config.Conf.ServerTimeout)*time.Second)
		defer cancel()

		executor.Execute(ctx, intent)
	})
	if err != nil {
		logging.Logger.Error("Failed to submit action to worker pool",
			zap.String("call_id", intent.CallID),
			zap.String("kind", intent.Kind),
			zap.String("error", err.Error()),
		)
	}
}

// Execute runs one intent end to end. It opens an in-flight attempt under
// the per-call lock, performs provider I/O with the lock released, then
// settles the attempt. A previously completed action is a no-op.
func (executor *Executor) Execute(ctx context.Context, intent call.Intent) {
	unlock := executor.Registry.Lock(intent.CallID)

	record, err := executor.CallRepository.GetByID(ctx, intent.CallID)
	if err != nil {
		unlock()
		logging.Logger.Error("Failed to load call for action",
			zap.String("call_id", intent.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	if record.HasCompletedAction(intent.Kind) {
		unlock()
		logging.Logger.Info("Action already completed, skipping",
			zap.String("call_id", intent.CallID),
			zap.String("kind", intent.Kind),
		)

		return
	}

	attempt := call.ActionAttempt{
		AttemptID: uuid.NewString(),
		Kind:      intent.Kind,
		Outcome:   call.OutcomeInFlight,
		Attempts:  1,
		At:        time.Now().UTC(),
	}

	attempts := append(record.Attempts(), attempt)

	err = executor.CallRepository.SaveAttempts(ctx, intent.CallID, attempts)
	if err != nil {
		unlock()
		logging.Logger.Error("Failed to open action attempt",
			zap.String("call_id", intent.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	unlock()

	var (
		outcome string
		execErr error
	)

	switch intent.Kind {
	case call.ActionBlock:
		outcome, execErr = executor.executeBlock(ctx, intent)
	case call.ActionTransfer:
		outcome, execErr = executor.executeTransfer(ctx, intent)
	default:
		outcome, execErr = call.OutcomeFailed, fmt.Errorf("%w: %q", ErrUnknownActionKind, intent.Kind)
	}

	executor.settleAttempt(ctx, intent, attempt.AttemptID, outcome, execErr)
}

// executeBlock terminates a scam call and alerts the protected number. The
// live status is checked first; a call that already hung up still counts as
// blocked, only the hangup work is saved.
func (executor *Executor) executeBlock(
	ctx context.Context, intent call.Intent,
) (string, error) {
	status, err := executor.Provider.GetCall(ctx, intent.CallID)

	switch {
	case errors.Is(err, telephony.ErrCallGone):
		logging.Logger.Info("Scam call already gone, skipping terminate",
			zap.String("call_id", intent.CallID))
	case err != nil:
		return call.OutcomeFailed, err
	case status.Ended():
		logging.Logger.Info("Scam call already ended, skipping terminate",
			zap.String("call_id", intent.CallID))
	default:
		err = executor.Provider.Terminate(ctx, intent.CallID)
		if err != nil {
			return call.OutcomeFailed, err
		}
	}

	err = executor.Provider.SendSMS(
		ctx, config.Conf.WispPhone, fmt.Sprintf(smsBlockedFormat, intent.Summary))
	if err != nil {
		return call.OutcomeFailed, err
	}

	return call.OutcomeCompleted, nil
}

// executeTransfer bridges a verified call to the protected number with a
// whisper announcement, then confirms over SMS. A call that ended while the
// verdict was being recorded is a skipped outcome, not a failure.
func (executor *Executor) executeTransfer(
	ctx context.Context, intent call.Intent,
) (string, error) {
	status, err := executor.Provider.GetCall(ctx, intent.CallID)

	switch {
	case errors.Is(err, telephony.ErrCallGone):
		return call.OutcomeSkipped, nil
	case err != nil:
		return call.OutcomeFailed, err
	case status.Ended():
		return call.OutcomeSkipped, nil
	}

	whisper := fmt.Sprintf(whisperFormat, intent.Summary)

	err = executor.Provider.Transfer(ctx, intent.CallID, config.Conf.WispPhone, whisper)
	if errors.Is(err, telephony.ErrCallGone) {
		// hung up between the status check and the bridge
		return call.OutcomeSkipped, nil
	}

	if err != nil {
		return call.OutcomeFailed, err
	}

	err = executor.Provider.SendSMS(
		ctx, config.Conf.WispPhone, fmt.Sprintf(smsVerifiedFormat, intent.Summary))
	if err != nil {
		return call.OutcomeFailed, err
	}

	return call.OutcomeCompleted, nil
}

func (executor *Executor) settleAttempt(
	ctx context.Context, intent call.Intent, attemptID, outcome string, execErr error,
) {
	unlock := executor.Registry.Lock(intent.CallID)
	defer unlock()

	record, err := executor.CallRepository.GetByID(ctx, intent.CallID)
	if err != nil {
		logging.Logger.Error("Failed to reload call to settle attempt",
			zap.String("call_id", intent.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	attempts := record.Attempts()
	for idx := range attempts {
		if attempts[idx].AttemptID != attemptID {
			continue
		}

		attempts[idx].Outcome = outcome

		if execErr != nil {
			attempts[idx].Error = execErr.Error()
			attempts[idx].Attempts = int(config.Conf.TelephonyRetryMaxAttempts)
		}
	}

	err = executor.CallRepository.SaveAttempts(ctx, intent.CallID, attempts)
	if err != nil {
		logging.Logger.Error("Failed to settle action attempt",
			zap.String("call_id", intent.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	if outcome == call.OutcomeCompleted || outcome == call.OutcomeSkipped {
		err = executor.CallRepository.MarkActionCompleted(ctx, intent.CallID, time.Now().UTC())
		if err != nil {
			logging.Logger.Error("Failed to mark action completed",
				zap.String("call_id", intent.CallID),
				zap.String("error", err.Error()),
			)
		}
	}

	prometheus.ActionOutcomes.WithLabelValues(intent.Kind, outcome).Inc()

	if execErr != nil {
		logging.Logger.Error("Action attempt failed",
			zap.String("call_id", intent.CallID),
			zap.String("kind", intent.Kind),
			zap.String("outcome", outcome),
			zap.String("error", execErr.Error()),
		)

		return
	}

	logging.Logger.Info("Action settled",
		zap.String("call_id", intent.CallID),
		zap.String("kind", intent.Kind),
		zap.String("outcome", outcome),
	)
}

// Release tears down the worker pool during shutdown.
func (executor *Executor) Release() {
	executor.WorkerPool.Release()
}
