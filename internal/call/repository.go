package call

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCallNotFound             = errors.New("call record not found")
	ErrInvalidCallRecordResult  = errors.New("invalid result type for call record operation")
	ErrInvalidCallRecordsResult = errors.New("invalid result type for call records operation")
)

type Repository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *Repository {
	return &Repository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](database.GetCircuitBreakerSettings()),
	}
}

func (repository *Repository) GetByID(ctx context.Context, callID string) (*CallRecord, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var record CallRecord

		err := repository.DBConn.WithContext(ctx).
			Where("call_id = ?", callID).
			First(&record).Error
		if err != nil {
			return nil, err
		}

		return &record, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}

		return nil, err
	}

	record, ok := result.(*CallRecord)
	if !ok {
		return nil, ErrInvalidCallRecordResult
	}

	return record, nil
}

// Create inserts the record unless it already exists. It reports whether
// this process performed the insert.
func (repository *Repository) Create(ctx context.Context, record *CallRecord) (bool, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		res := repository.DBConn.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(record)
		if res.Error != nil {
			return nil, res.Error
		}

		return res.RowsAffected == 1, nil
	})
	if err != nil {
		return false, err
	}

	created, ok := result.(bool)
	if !ok {
		return false, ErrInvalidCallRecordResult
	}

	return created, nil
}

// UpdateState moves a call to newState only when its stored state is one of
// allowedFrom. It reports whether a row changed, so a lost race shows up as
// false rather than a silent overwrite.
func (repository *Repository) UpdateState(
	ctx context.Context, callID, newState string, allowedFrom []string,
) (bool, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		res := repository.DBConn.WithContext(ctx).
			Model(&CallRecord{}).
			Where("call_id = ? AND state IN ?", callID, allowedFrom).
			Update("state", newState)
		if res.Error != nil {
			return nil, res.Error
		}

		return res.RowsAffected == 1, nil
	})
	if err != nil {
		return false, err
	}

	updated, ok := result.(bool)
	if !ok {
		return false, ErrInvalidCallRecordResult
	}

	return updated, nil
}

// RecordVerdict sets verdict, summary and the post-verdict state in one
// guarded write. The guard keeps the verdict immutable once set.
func (repository *Repository) RecordVerdict(
	ctx context.Context, callID, verdict, summary, newState string,
) (bool, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		res := repository.DBConn.WithContext(ctx).
			Model(&CallRecord{}).
			Where("call_id = ? AND verdict = ? AND state = ?", callID, VerdictUnknown, StateScreening).
			Updates(map[string]any{
				"verdict": verdict,
				"summary": summary,
				"state":   newState,
			})
		if res.Error != nil {
			return nil, res.Error
		}

		return res.RowsAffected == 1, nil
	})
	if err != nil {
		return false, err
	}

	recorded, ok := result.(bool)
	if !ok {
		return false, ErrInvalidCallRecordResult
	}

	return recorded, nil
}

// SetTranscript replaces the stored transcript while the verdict is still
// open. The transcript freezes the moment a verdict is recorded.
func (repository *Repository) SetTranscript(
	ctx context.Context, callID string, utterances []Utterance,
) error {
	encoded, err := json.Marshal(utterances)
	if err != nil {
		return err
	}

	_, err = repository.CircuitBreaker.Execute(func() (any, error) {
		res := repository.DBConn.WithContext(ctx).
			Model(&CallRecord{}).
			Where("call_id = ? AND verdict = ?", callID, VerdictUnknown).
			Update("transcript", datatypes.JSON(encoded))
		if res.Error != nil {
			return nil, res.Error
		}

		if res.RowsAffected == 0 {
			logging.Logger.Debug("Transcript is frozen, skipping update",
				zap.String("call_id", callID))
		}

		return nil, nil
	})

	return err
}

func (repository *Repository) SaveAttempts(
	ctx context.Context, callID string, attempts []ActionAttempt,
) error {
	encoded, err := json.Marshal(attempts)
	if err != nil {
		return err
	}

	_, err = repository.CircuitBreaker.Execute(func() (any, error) {
		res := repository.DBConn.WithContext(ctx).
			Model(&CallRecord{}).
			Where("call_id = ?", callID).
			Update("action_attempts", datatypes.JSON(encoded))

		return nil, res.Error
	})

	return err
}

func (repository *Repository) MarkActionCompleted(
	ctx context.Context, callID string, completedAt time.Time,
) error {
	_, err := repository.CircuitBreaker.Execute(func() (any, error) {
		res := repository.DBConn.WithContext(ctx).
			Model(&CallRecord{}).
			Where("call_id = ? AND action_completed_at IS NULL", callID).
			Update("action_completed_at", completedAt)

		return nil, res.Error
	})

	return err
}

// ListUnsettledBefore returns the calls a reconcile pass must look at: calls
// still in flight, plus post-verdict calls whose owed action never completed.
func (repository *Repository) ListUnsettledBefore(
	ctx context.Context, cutoff time.Time, limit int,
) ([]CallRecord, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var records []CallRecord

		err := repository.DBConn.WithContext(ctx).
			Where(
				"updated_at < ? AND (state IN ? OR (state IN ? AND action_completed_at IS NULL))",
				cutoff,
				[]string{StateStarted, StateScreening},
				[]string{StateBlocked, StateTransferring},
			).
			Order("updated_at ASC").
			Limit(limit).
			Find(&records).Error
		if err != nil {
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]CallRecord)
	if !ok {
		return nil, ErrInvalidCallRecordsResult
	}

	return records, nil
}

// ListNonTerminal returns every live call, used to rebuild the in-memory
// registry after a restart.
func (repository *Repository) ListNonTerminal(ctx context.Context) ([]CallRecord, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var records []CallRecord

		err := repository.DBConn.WithContext(ctx).
			Where("state IN ?", []string{StateStarted, StateScreening, StateTransferring}).
			Find(&records).Error
		if err != nil {
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]CallRecord)
	if !ok {
		return nil, ErrInvalidCallRecordsResult
	}

	return records, nil
}
