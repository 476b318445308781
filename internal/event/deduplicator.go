package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidAdmitResult = errors.New("invalid result type for event admission")

// Deduplicator admits each event id at most once. The unique insert is the
// source of truth; the in-flight set only shortcuts bursts that race before
// the first insert commits.
type Deduplicator struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewDeduplicator(dbConn *gorm.DB) *Deduplicator {
	return &Deduplicator{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](database.GetCircuitBreakerSettings()),
		inFlight:       make(map[string]struct{}),
	}
}

// Admit reports true for exactly one caller per event id, across goroutines
// and across redeliveries.
func (deduplicator *Deduplicator) Admit(
	ctx context.Context, inboundEvent *InboundEvent,
) (bool, error) {
	deduplicator.mu.Lock()

	_, busy := deduplicator.inFlight[inboundEvent.EventID]
	if busy {
		deduplicator.mu.Unlock()
		return false, nil
	}

	deduplicator.inFlight[inboundEvent.EventID] = struct{}{}
	deduplicator.mu.Unlock()

	defer func() {
		deduplicator.mu.Lock()
		delete(deduplicator.inFlight, inboundEvent.EventID)
		deduplicator.mu.Unlock()
	}()

	result, err := deduplicator.CircuitBreaker.Execute(func() (any, error) {
		res := deduplicator.DBConn.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(inboundEvent)
		if res.Error != nil {
			return nil, res.Error
		}

		return res.RowsAffected == 1, nil
	})
	if err != nil {
		return false, err
	}

	admitted, ok := result.(bool)
	if !ok {
		return false, ErrInvalidAdmitResult
	}

	if !admitted {
		logging.Logger.Info("Duplicate event discarded",
			zap.String("event_id", inboundEvent.EventID),
			zap.String("call_id", inboundEvent.CallID),
			zap.String("kind", inboundEvent.Kind),
		)
	}

	return admitted, nil
}

// Sweep drops event rows past the retention window whose call has reached a
// terminal state, keeping the dedup table bounded.
func (deduplicator *Deduplicator) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := deduplicator.CircuitBreaker.Execute(func() (any, error) {
		res := deduplicator.DBConn.WithContext(ctx).Exec(
			`DELETE FROM inbound_events
			 WHERE received_at < ?
			   AND call_id IN (SELECT call_id FROM call_records WHERE state IN (?, ?))`,
			olderThan, "BLOCKED", "ENDED",
		)
		if res.Error != nil {
			return nil, res.Error
		}

		return res.RowsAffected, nil
	})
	if err != nil {
		return 0, err
	}

	swept, ok := result.(int64)
	if !ok {
		return 0, ErrInvalidAdmitResult
	}

	if swept > 0 {
		logging.Logger.Info("Swept expired events", zap.Int64("count", swept))
	}

	return swept, nil
}
