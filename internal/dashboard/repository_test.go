package dashboard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func newTestRepository(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "wisp_test.db?_busy_timeout=5000")

	dbConn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&call.CallRecord{}))

	return NewRepository(dbConn), dbConn
}

func seedRecords(t *testing.T, dbConn *gorm.DB) {
	t.Helper()

	transcript, err := json.Marshal([]call.Utterance{
		{Speaker: "caller", Text: "pay the IRS with gift cards"},
		{Speaker: "agent", Text: "who is calling"},
	})
	require.NoError(t, err)

	records := []call.CallRecord{
		{CallID: "scam-1", State: call.StateBlocked, Verdict: call.VerdictScam,
			Summary: "Tax scam", Transcript: datatypes.JSON(transcript)},
		{CallID: "safe-1", State: call.StateEnded, Verdict: call.VerdictSafe, Summary: "Dentist"},
		{CallID: "live-1", State: call.StateScreening, Verdict: call.VerdictUnknown},
	}

	for idx := range records {
		require.NoError(t, dbConn.Create(&records[idx]).Error)
	}
}

func TestListCallsFilters(t *testing.T) {
	repository, dbConn := newTestRepository(t)
	seedRecords(t, dbConn)
	ctx := context.Background()

	records, err := repository.ListCalls(ctx, 50, "", "")
	require.NoError(t, err)
	assert.Len(t, records, 3)

	records, err = repository.ListCalls(ctx, 50, "blocked", "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "scam-1", records[0].CallID)

	records, err = repository.ListCalls(ctx, 50, "", "safe")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "safe-1", records[0].CallID)
}

func TestListActiveCalls(t *testing.T) {
	repository, dbConn := newTestRepository(t)
	seedRecords(t, dbConn)

	records, err := repository.ListActiveCalls(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "live-1", records[0].CallID)
}

func TestGetCall(t *testing.T) {
	repository, dbConn := newTestRepository(t)
	seedRecords(t, dbConn)
	ctx := context.Background()

	record, err := repository.GetCall(ctx, "scam-1")
	require.NoError(t, err)
	assert.Equal(t, call.VerdictScam, record.Verdict)

	_, err = repository.GetCall(ctx, "nope")
	require.ErrorIs(t, err, call.ErrCallNotFound)
}

func TestGetStats(t *testing.T) {
	repository, dbConn := newTestRepository(t)
	seedRecords(t, dbConn)

	stats, err := repository.GetStats(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.BlockedThisWeek)
	assert.Equal(t, int64(1), stats.TotalBlocked)
	assert.Equal(t, int64(3), stats.TotalCalls)
}

func TestGetAnalytics(t *testing.T) {
	repository, dbConn := newTestRepository(t)
	seedRecords(t, dbConn)

	analytics, err := repository.GetAnalytics(context.Background(), "week", time.Now())
	require.NoError(t, err)
	assert.Len(t, analytics.Points, 7)
	assert.Equal(t, int64(1), analytics.VerdictCounts[call.VerdictScam])
	assert.Equal(t, int64(1), analytics.VerdictCounts[call.VerdictSafe])

	today := analytics.Points[len(analytics.Points)-1]
	assert.Equal(t, int64(3), today.Total)
	assert.Equal(t, int64(1), today.Blocked)
}

func TestGetTranscriptMetrics(t *testing.T) {
	repository, dbConn := newTestRepository(t)
	seedRecords(t, dbConn)

	metrics, err := repository.GetTranscriptMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.TotalTranscripts)
	assert.InDelta(t, 2.0, metrics.AvgUtterances, 0.01)
	assert.InDelta(t, 9.0, metrics.AvgWordCount, 0.01)
}
