package call

import (
	"context"
	"errors"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type LifecycleEvent struct {
	Trigger    Trigger
	CallID     string
	FromNumber string
	ToNumber   string
}

// Service applies provider lifecycle notifications to stored call records.
type Service struct {
	Repository *Repository
	Registry   *Registry
}

func NewService(dbConn *gorm.DB, registry *Registry) *Service {
	return &Service{
		Repository: NewRepository(dbConn),
		Registry:   registry,
	}
}

// HandleLifecycleEvent runs one deduplicated notification through the state
// machine and persists the outcome under the per-call lock. Late or repeated
// notifications come back as absorbed transitions, not errors.
func (service *Service) HandleLifecycleEvent(
	ctx context.Context, lifecycleEvent LifecycleEvent,
) (*Transition, error) {
	unlock := service.Registry.Lock(lifecycleEvent.CallID)
	defer unlock()

	record, err := service.Repository.GetByID(ctx, lifecycleEvent.CallID)

	missing := errors.Is(err, ErrCallNotFound)
	if err != nil && !missing {
		return nil, err
	}

	if missing {
		if lifecycleEvent.Trigger != TriggerCallStarted {
			logging.Logger.Warn("Lifecycle notification for unknown call",
				zap.String("call_id", lifecycleEvent.CallID),
				zap.String("trigger", string(lifecycleEvent.Trigger)),
			)

			return &Transition{Absorbed: true}, nil
		}

		record = &CallRecord{CallID: lifecycleEvent.CallID}
	}

	transition, err := Apply(record, lifecycleEvent.Trigger, "", "")
	if err != nil {
		return nil, err
	}

	if transition.Absorbed {
		logging.Logger.Info("Lifecycle notification absorbed",
			zap.String("call_id", lifecycleEvent.CallID),
			zap.String("trigger", string(lifecycleEvent.Trigger)),
			zap.String("state", record.State),
		)

		return transition, nil
	}

	err = service.persistTransition(ctx, lifecycleEvent, transition)
	if err != nil {
		return nil, err
	}

	switch transition.State {
	case StateStarted:
		service.Registry.Track(lifecycleEvent.CallID)
	case StateEnded, StateBlocked:
		service.Registry.Untrack(lifecycleEvent.CallID)
	}

	logging.Logger.Info("Call transitioned",
		zap.String("call_id", lifecycleEvent.CallID),
		zap.String("trigger", string(lifecycleEvent.Trigger)),
		zap.String("from", transition.From),
		zap.String("to", transition.State),
	)

	return transition, nil
}

func (service *Service) persistTransition(
	ctx context.Context, lifecycleEvent LifecycleEvent, transition *Transition,
) error {
	if transition.From == "" {
		record := &CallRecord{
			CallID:     lifecycleEvent.CallID,
			FromNumber: lifecycleEvent.FromNumber,
			ToNumber:   lifecycleEvent.ToNumber,
			State:      transition.State,
			Verdict:    VerdictUnknown,
		}

		created, err := service.Repository.Create(ctx, record)
		if err != nil {
			return err
		}

		if !created {
			// a concurrent start won the insert; nothing left to do
			transition.Absorbed = true
		}

		return nil
	}

	updated, err := service.Repository.UpdateState(
		ctx, lifecycleEvent.CallID, transition.State, []string{transition.From},
	)
	if err != nil {
		return err
	}

	if !updated {
		// the stored state moved underneath us; the fresher writer wins
		transition.Absorbed = true
	}

	return nil
}
