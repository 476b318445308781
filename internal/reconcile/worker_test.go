package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/action"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/analysis"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/event"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/screening"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/telephony"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

type stubAnalyzer struct {
	mu     sync.Mutex
	calls  int
	result *analysis.Result
}

func (analyzer *stubAnalyzer) Analyze(
	_ context.Context, _, _ string,
) (*analysis.Result, error) {
	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()

	analyzer.calls++

	return analyzer.result, nil
}

type stubProvider struct {
	mu         sync.Mutex
	terminates []string
	transfers  []string
	smsBodies  []string
}

func (provider *stubProvider) GetCall(_ context.Context, callID string) (*telephony.CallStatus, error) {
	return &telephony.CallStatus{CallID: callID, Status: "ongoing"}, nil
}

func (provider *stubProvider) Terminate(_ context.Context, callID string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	provider.terminates = append(provider.terminates, callID)

	return nil
}

func (provider *stubProvider) Transfer(_ context.Context, callID, destination, _ string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	provider.transfers = append(provider.transfers, callID+"->"+destination)

	return nil
}

func (provider *stubProvider) SendSMS(_ context.Context, _, body string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	provider.smsBodies = append(provider.smsBodies, body)

	return nil
}

type workerFixture struct {
	worker   *Worker
	provider *stubProvider
	analyzer *stubAnalyzer
	dbConn   *gorm.DB
	registry *call.Registry
}

func newWorkerFixture(t *testing.T, analyzer *stubAnalyzer) *workerFixture {
	t.Helper()

	config.Conf.WispPhone = "+15550001111"
	config.Conf.ReconcileGraceSecs = 60
	config.Conf.ReconcileBatchLimit = 100
	config.Conf.EventRetentionHours = 72

	dsn := filepath.Join(t.TempDir(), "wisp_test.db?_busy_timeout=5000")

	dbConn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&call.CallRecord{}, &event.InboundEvent{}))

	registry := call.NewRegistry()
	provider := &stubProvider{}

	executor, err := action.NewExecutor(dbConn, registry, provider)
	require.NoError(t, err)

	t.Cleanup(executor.Release)

	deduplicator := event.NewDeduplicator(dbConn)
	screeningService := screening.NewService(dbConn, registry, analyzer, executor, deduplicator)

	worker, err := NewWorker(dbConn, registry, screeningService, executor, deduplicator)
	require.NoError(t, err)

	t.Cleanup(worker.Release)

	return &workerFixture{
		worker:   worker,
		provider: provider,
		analyzer: analyzer,
		dbConn:   dbConn,
		registry: registry,
	}
}

func (fixture *workerFixture) seedStale(t *testing.T, record *call.CallRecord) {
	t.Helper()

	require.NoError(t, fixture.dbConn.Create(record).Error)

	stale := time.Now().Add(-time.Hour)

	require.NoError(t, fixture.dbConn.Model(&call.CallRecord{}).
		Where("call_id = ?", record.CallID).
		UpdateColumn("updated_at", stale).Error)
}

func transcriptJSON(t *testing.T, utterances []call.Utterance) datatypes.JSON {
	t.Helper()

	encoded, err := json.Marshal(utterances)
	require.NoError(t, err)

	return datatypes.JSON(encoded)
}

func TestRestoreRebuildsRegistry(t *testing.T) {
	fixture := newWorkerFixture(t, &stubAnalyzer{})

	for _, record := range []call.CallRecord{
		{CallID: "live-1", State: call.StateScreening, Verdict: call.VerdictUnknown},
		{CallID: "live-2", State: call.StateTransferring, Verdict: call.VerdictSafe},
		{CallID: "done", State: call.StateEnded, Verdict: call.VerdictSafe},
	} {
		require.NoError(t, fixture.dbConn.Create(&record).Error)
	}

	require.NoError(t, fixture.worker.Restore(context.Background()))

	assert.True(t, fixture.registry.IsActive("live-1"))
	assert.True(t, fixture.registry.IsActive("live-2"))
	assert.False(t, fixture.registry.IsActive("done"))
}

func TestReconcileRedrivesStalledScreening(t *testing.T) {
	analyzer := &stubAnalyzer{result: &analysis.Result{
		Verdict: call.VerdictScam,
		Summary: "Tax scam demanding gift cards",
	}}

	fixture := newWorkerFixture(t, analyzer)

	fixture.seedStale(t, &call.CallRecord{
		CallID:  "stalled",
		State:   call.StateScreening,
		Verdict: call.VerdictUnknown,
		Transcript: transcriptJSON(t, []call.Utterance{
			{Speaker: "caller", Text: "pay the IRS in gift cards now"},
		}),
	})

	fixture.worker.reconcilePass(context.Background())

	require.Eventually(t, func() bool {
		var record call.CallRecord

		err := fixture.dbConn.Where("call_id = ?", "stalled").First(&record).Error

		return err == nil && record.State == call.StateBlocked
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReconcileRedrivesBlockedWithoutCompletedAction(t *testing.T) {
	fixture := newWorkerFixture(t, &stubAnalyzer{})

	fixture.seedStale(t, &call.CallRecord{
		CallID:  "half-blocked",
		State:   call.StateBlocked,
		Verdict: call.VerdictScam,
		Summary: "Tax scam demanding gift cards",
	})

	fixture.worker.reconcilePass(context.Background())

	require.Eventually(t, func() bool {
		fixture.provider.mu.Lock()
		defer fixture.provider.mu.Unlock()

		return len(fixture.provider.terminates) == 1 && len(fixture.provider.smsBodies) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReconcileLeavesSettledCallsAlone(t *testing.T) {
	fixture := newWorkerFixture(t, &stubAnalyzer{})

	settledAt := time.Now().UTC()

	fixture.seedStale(t, &call.CallRecord{
		CallID:            "settled",
		State:             call.StateBlocked,
		Verdict:           call.VerdictScam,
		ActionCompletedAt: &settledAt,
	})

	fixture.seedStale(t, &call.CallRecord{
		CallID:  "finished",
		State:   call.StateEnded,
		Verdict: call.VerdictSafe,
	})

	fixture.worker.reconcilePass(context.Background())

	time.Sleep(200 * time.Millisecond)

	fixture.provider.mu.Lock()
	defer fixture.provider.mu.Unlock()

	assert.Empty(t, fixture.provider.terminates)
	assert.Empty(t, fixture.provider.transfers)
	assert.Empty(t, fixture.provider.smsBodies)
}

func TestReconcileSkipsScreeningWithoutTranscript(t *testing.T) {
	analyzer := &stubAnalyzer{result: &analysis.Result{
		Verdict: call.VerdictSafe, Summary: "n/a",
	}}

	fixture := newWorkerFixture(t, analyzer)

	fixture.seedStale(t, &call.CallRecord{
		CallID:  "silent",
		State:   call.StateScreening,
		Verdict: call.VerdictUnknown,
	})

	fixture.worker.reconcilePass(context.Background())

	time.Sleep(200 * time.Millisecond)

	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()

	assert.Zero(t, analyzer.calls)
}
