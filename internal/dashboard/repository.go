package dashboard

import (
	"context"
	"errors"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/database"
	"github.com/sony/gobreaker/v2"
	"gorm.io/gorm"
)

var ErrInvalidDashboardResult = errors.New("invalid result type for dashboard query")

// Repository serves the read-only dashboard views. It never writes; every
// answer is derived from call records.
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

func (repository *Repository) ListCalls(
	ctx context.Context, limit int, state, verdict string,
) ([]call.CallRecord, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		query := repository.DBConn.WithContext(ctx).Model(&call.CallRecord{})

		if state != "" {
			query = query.Where("state = ?", strings.ToUpper(state))
		}

		if verdict != "" {
			query = query.Where("verdict = ?", strings.ToUpper(verdict))
		}

		var records []call.CallRecord

		err := query.Order("created_at DESC").Limit(limit).Find(&records).Error
		if err != nil {
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]call.CallRecord)
	if !ok {
		return nil, ErrInvalidDashboardResult
	}

	return records, nil
}

func (repository *Repository) ListActiveCalls(ctx context.Context) ([]call.CallRecord, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var records []call.CallRecord

		err := repository.DBConn.WithContext(ctx).
			Where("state IN ?", []string{call.StateStarted, call.StateScreening, call.StateTransferring}).
			Order("created_at DESC").
			Find(&records).Error
		if err != nil {
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]call.CallRecord)
	if !ok {
		return nil, ErrInvalidDashboardResult
	}

	return records, nil
}

func (repository *Repository) GetCall(ctx context.Context, callID string) (*call.CallRecord, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var record call.CallRecord

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
			return nil, call.ErrCallNotFound
		}

		return nil, err
	}

	record, ok := result.(*call.CallRecord)
	if !ok {
		return nil, ErrInvalidDashboardResult
	}

	return record, nil
}

type Stats struct {
	BlockedThisWeek int64   `json:"blocked_this_week"`
	BlockedLastWeek int64   `json:"blocked_last_week"`
	TotalBlocked    int64   `json:"total_blocked"`
	TotalCalls      int64   `json:"total_calls"`
	TrendPercent    float64 `json:"trend_percent"`
}

func (repository *Repository) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		weekAgo := now.AddDate(0, 0, -7)
		twoWeeksAgo := now.AddDate(0, 0, -14)

		stats := &Stats{}

		queries := []struct {
			target *int64
			scope  func(*gorm.DB) *gorm.DB
		}{
			{&stats.BlockedThisWeek, func(db *gorm.DB) *gorm.DB {
				return db.Where("state = ? AND created_at >= ?", call.StateBlocked, weekAgo)
			}},
			{&stats.BlockedLastWeek, func(db *gorm.DB) *gorm.DB {
				return db.Where("state = ? AND created_at >= ? AND created_at < ?",
					call.StateBlocked, twoWeeksAgo, weekAgo)
			}},
			{&stats.TotalBlocked, func(db *gorm.DB) *gorm.DB {
				return db.Where("state = ?", call.StateBlocked)
			}},
			{&stats.TotalCalls, func(db *gorm.DB) *gorm.DB { return db }},
		}

		for _, query := range queries {
			err := query.scope(repository.DBConn.WithContext(ctx).Model(&call.CallRecord{})).
				Count(query.target).Error
			if err != nil {
				return nil, err
			}
		}

		if stats.BlockedLastWeek > 0 {
			stats.TrendPercent = float64(stats.BlockedThisWeek-stats.BlockedLastWeek) /
				float64(stats.BlockedLastWeek) * 100
		}

		return stats, nil
	})
	if err != nil {
		return nil, err
	}

	stats, ok := result.(*Stats)
	if !ok {
		return nil, ErrInvalidDashboardResult
	}

	return stats, nil
}

type AnalyticsPoint struct {
	Date    string `json:"date"`
	Total   int64  `json:"total"`
	Blocked int64  `json:"blocked"`
}

type Analytics struct {
	Period             string           `json:"period"`
	Points             []AnalyticsPoint `json:"points"`
	VerdictCounts      map[string]int64 `json:"verdict_counts"`
	AvgDurationSeconds float64          `json:"avg_duration_seconds"`
}

// GetAnalytics buckets recent calls by day. Bucketing happens in Go so the
// same query serves every supported database.
func (repository *Repository) GetAnalytics(
	ctx context.Context, period string, now time.Time,
) (*Analytics, error) {
	days := periodDays(period)
	since := now.AddDate(0, 0, -days)

	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var records []call.CallRecord

		err := repository.DBConn.WithContext(ctx).
			Where("created_at >= ?", since).
			Order("created_at ASC").
			Find(&records).Error
		if err != nil {
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]call.CallRecord)
	if !ok {
		return nil, ErrInvalidDashboardResult
	}

	buckets := make(map[string]*AnalyticsPoint)
	verdictCounts := map[string]int64{}

	var (
		durationTotal time.Duration
		durationCount int64
	)

	for idx := range records {
		record := &records[idx]
		day := record.CreatedAt.UTC().Format("2006-01-02")

		point, ok := buckets[day]
		if !ok {
			point = &AnalyticsPoint{Date: day}
			buckets[day] = point
		}

		point.Total++

		if record.State == call.StateBlocked {
			point.Blocked++
		}

		verdictCounts[record.Verdict]++

		if call.IsTerminal(record.State) {
			durationTotal += record.UpdatedAt.Sub(record.CreatedAt)
			durationCount++
		}
	}

	analytics := &Analytics{
		Period:        period,
		Points:        make([]AnalyticsPoint, 0, days),
		VerdictCounts: verdictCounts,
	}

	for offset := days - 1; offset >= 0; offset-- {
		day := now.AddDate(0, 0, -offset).UTC().Format("2006-01-02")

		point, ok := buckets[day]
		if !ok {
			point = &AnalyticsPoint{Date: day}
		}

		analytics.Points = append(analytics.Points, *point)
	}

	if durationCount > 0 {
		analytics.AvgDurationSeconds = durationTotal.Seconds() / float64(durationCount)
	}

	return analytics, nil
}

func periodDays(period string) int {
	switch period {
	case "day":
		return 1
	case "month":
		return 30
	case "quarter":
		return 90
	default:
		return 7
	}
}

type TranscriptMetrics struct {
	TotalTranscripts int64   `json:"total_transcripts"`
	AvgUtterances    float64 `json:"avg_utterances"`
	AvgWordCount     float64 `json:"avg_word_count"`
}

func (repository *Repository) GetTranscriptMetrics(ctx context.Context) (*TranscriptMetrics, error) {
	result, err := repository.CircuitBreaker.Execute(func() (any, error) {
		var records []call.CallRecord

		err := repository.DBConn.WithContext(ctx).
			Where("transcript IS NOT NULL").
			Find(&records).Error
		if err != nil {
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]call.CallRecord)
	if !ok {
		return nil, ErrInvalidDashboardResult
	}

	metrics := &TranscriptMetrics{}

	var utteranceTotal, wordTotal int64

	for idx := range records {
		utterances := records[idx].Utterances()
		if len(utterances) == 0 {
			continue
		}

		metrics.TotalTranscripts++
		utteranceTotal += int64(len(utterances))

		for _, utterance := range utterances {
			wordTotal += int64(len(strings.Fields(utterance.Text)))
		}
	}

	if metrics.TotalTranscripts > 0 {
		metrics.AvgUtterances = float64(utteranceTotal) / float64(metrics.TotalTranscripts)
		metrics.AvgWordCount = float64(wordTotal) / float64(metrics.TotalTranscripts)
	}

	return metrics, nil
}
