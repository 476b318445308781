package action

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/telephony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

type fakeProvider struct {
	mu sync.Mutex

	callStatus  string
	getCallErr  error
	transferErr error
	smsErr      error

	terminates []string
	transfers  []string
	whispers   []string
	smsBodies  []string
}

func (provider *fakeProvider) GetCall(_ context.Context, callID string) (*telephony.CallStatus, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if provider.getCallErr != nil {
		return nil, provider.getCallErr
	}

	return &telephony.CallStatus{CallID: callID, Status: provider.callStatus}, nil
}

func (provider *fakeProvider) Terminate(_ context.Context, callID string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	provider.terminates = append(provider.terminates, callID)

	return nil
}

func (provider *fakeProvider) Transfer(_ context.Context, callID, destination, whisper string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if provider.transferErr != nil {
		return provider.transferErr
	}

	provider.transfers = append(provider.transfers, callID+"->"+destination)
	provider.whispers = append(provider.whispers, whisper)

	return nil
}

func (provider *fakeProvider) SendSMS(_ context.Context, _, body string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if provider.smsErr != nil {
		return provider.smsErr
	}

	provider.smsBodies = append(provider.smsBodies, body)

	return nil
}

func newTestExecutor(t *testing.T, provider *fakeProvider) (*Executor, *call.Repository) {
	t.Helper()

	config.Conf.WispPhone = "+15550001111"

	dsn := filepath.Join(t.TempDir(), "wisp_test.db?_busy_timeout=5000")

	dbConn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&call.CallRecord{}))

	executor, err := NewExecutor(dbConn, call.NewRegistry(), provider)
	require.NoError(t, err)

	t.Cleanup(executor.Release)

	return executor, executor.CallRepository
}

func seedCall(t *testing.T, repository *call.Repository, state, verdict string) {
	t.Helper()

	_, err := repository.Create(context.Background(), &call.CallRecord{
		CallID: "call-1", State: state, Verdict: verdict, Summary: "Tax scam demanding gift cards",
	})
	require.NoError(t, err)
}

func TestBlockTerminatesAndAlerts(t *testing.T) {
	provider := &fakeProvider{callStatus: "ongoing"}
	executor, repository := newTestExecutor(t, provider)

	seedCall(t, repository, call.StateBlocked, call.VerdictScam)

	executor.Execute(context.Background(), call.Intent{
		Kind: call.ActionBlock, CallID: "call-1", Summary: "Tax scam demanding gift cards",
	})

	assert.Equal(t, []string{"call-1"}, provider.terminates)
	require.Len(t, provider.smsBodies, 1)
	assert.Equal(t, "🚨 Wisp Blocked: Tax scam demanding gift cards.", provider.smsBodies[0])

	record, err := repository.GetByID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.True(t, record.HasCompletedAction(call.ActionBlock))
	assert.NotNil(t, record.ActionCompletedAt)
}

func TestBlockAlreadyEndedStillCounts(t *testing.T) {
	provider := &fakeProvider{callStatus: "ended"}
	executor, repository := newTestExecutor(t, provider)

	seedCall(t, repository, call.StateBlocked, call.VerdictScam)

	executor.Execute(context.Background(), call.Intent{
		Kind: call.ActionBlock, CallID: "call-1", Summary: "Tax scam demanding gift cards",
	})

	// no hangup issued, yet the block settles as completed and still alerts
	assert.Empty(t, provider.terminates)
	require.Len(t, provider.smsBodies, 1)

	record, err := repository.GetByID(context.Background(), "call-1")
	require.NoError(t, err)
	assert.True(t, record.HasCompletedAction(call.ActionBlock))
}

func TestBlockRunsAtMostOnce(t *testing.T) {
	provider := &fakeProvider{callStatus: "ongoing"}
	executor, repository := newTestExecutor(t, provider)

	seedCall(t, repository, call.StateBlocked, call.VerdictScam)

	intent := call.Intent{
		Kind: call.ActionBlock, CallID: "call-1", Summary: "Tax scam demanding gift cards",
	}

	for range 3 {
		executor.Execute(context.Background(), intent)
	}

	assert.Len(t, provider.terminates, 1)
	assert.Len(t, provider.smsBodies, 1)
}

func TestTransferBridgesWithWhisperAndConfirms(t *testing.T) {
	provider := &fakeProvider{callStatus: "ongoing"}
	executor, repository := newTestExecutor(t, provider)

	_, err := repository.Create(context.Background(), &call.CallRecord{
		CallID: "call-1", State: call.StateTransferring,
		Verdict: call.VerdictSafe, Summary: "Dentist confirming your Tuesday appointment",
	})
	require.NoError(t, err)

	executor.Execute(context.Background(), call.Intent{
		Kind: call.ActionTransfer, CallID: "call-1",
		Summary: "Dentist confirming your Tuesday appointment",
	})

	require.Len(t, provider.transfers, 1)
	assert.Equal(t, "call-1->+15550001111", provider.transfers[0])
	require.Len(t, provider.whispers, 1)
	assert.Equal(t,
		"Wisp here. Verified: Dentist confirming your Tuesday appointment. Press any key to bridge.",
		provider.whispers[0])
	require.Len(t, provider.smsBodies, 1)
	assert.Equal(t,
		"✅ Wisp Verified: Dentist confirming your Tuesday appointment. Ringing you now.",
		provider.smsBodies[0])
}

func TestTransferSkippedWhenCallGone(t *testing.T) {
	provider := &fakeProvider{getCallErr: telephony.ErrCallGone}
	executor, repository := newTestExecutor(t, provider)

	seedCall(t, repository, call.StateTransferring, call.VerdictSafe)

	executor.Execute(context.Background(), call.Intent{
		Kind: call.ActionTransfer, CallID: "call-1", Summary: "whatever",
	})

	assert.Empty(t, provider.transfers)
	assert.Empty(t, provider.smsBodies)

	record, err := repository.GetByID(context.Background(), "call-1")
	require.NoError(t, err)

	attempts := record.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, call.OutcomeSkipped, attempts[0].Outcome)
	assert.NotNil(t, record.ActionCompletedAt)
}

func TestTransferFailureLeavesActionUnsettled(t *testing.T) {
	provider := &fakeProvider{callStatus: "ongoing", transferErr: telephony.ErrTransientProvider}
	executor, repository := newTestExecutor(t, provider)

	seedCall(t, repository, call.StateTransferring, call.VerdictSafe)

	executor.Execute(context.Background(), call.Intent{
		Kind: call.ActionTransfer, CallID: "call-1", Summary: "whatever",
	})

	record, err := repository.GetByID(context.Background(), "call-1")
	require.NoError(t, err)

	attempts := record.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, call.OutcomeFailed, attempts[0].Outcome)
	assert.Nil(t, record.ActionCompletedAt)
	assert.False(t, record.HasCompletedAction(call.ActionTransfer))
}
