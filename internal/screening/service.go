package screening

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/action"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/analysis"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/event"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/prometheus"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrCallAlreadyEnded means the call reached a terminal state before a
	// verdict could be recorded; nothing was done.
	ErrCallAlreadyEnded = errors.New("call ended before screening completed")

	// ErrScreeningInProgress means an identical screening request is
	// already being worked on.
	ErrScreeningInProgress = errors.New("screening already in progress")

	// ErrScreeningFailed means the analysis provider stayed unavailable
	// through every retry; the call is left for the reconciler.
	ErrScreeningFailed = errors.New("screening failed, call left for redrive")
)

const (
	emptyTranscriptSummary = "no content to analyze"
	pendingReviewSummary   = "analysis result could not be verified, pending review"
)

type Result struct {
	CallID  string `json:"call_id"`
	Verdict string `json:"verdict"`
	Summary string `json:"summary"`
}

// Service drives a call from transcript to verdict to owed action. Analysis
// runs with the per-call lock released; the verdict is recorded under the
// lock after re-checking the call is still live.
type Service struct {
	CallRepository *call.Repository
	Registry       *call.Registry
	Analyzer       analysis.Analyzer
	Executor       *action.Executor
	Deduplicator   *event.Deduplicator
}

func NewService(
	dbConn *gorm.DB,
	registry *call.Registry,
	analyzer analysis.Analyzer,
	executor *action.Executor,
	deduplicator *event.Deduplicator,
) *Service {
	return &Service{
		CallRepository: call.NewRepository(dbConn),
		Registry:       registry,
		Analyzer:       analyzer,
		Executor:       executor,
		Deduplicator:   deduplicator,
	}
}

// Screen handles one screening request from the voice agent. Repeated
// identical requests answer from the stored verdict instead of re-running
// analysis.
func (service *Service) Screen(
	ctx context.Context, callID, fromNumber, transcript string,
) (*Result, error) {
	startedAt := time.Now()

	requestEvent := &event.InboundEvent{
		EventID: event.DeriveID(event.KindScreenRequest, callID, transcript),
		CallID:  callID,
		Kind:    event.KindScreenRequest,
	}

	admitted, err := service.Deduplicator.Admit(ctx, requestEvent)
	if err != nil {
		return nil, err
	}

	record, err := service.prepare(ctx, callID, fromNumber, transcript, admitted)
	if err != nil {
		return nil, err
	}

	if record.Verdict != call.VerdictUnknown {
		return &Result{CallID: callID, Verdict: record.Verdict, Summary: record.Summary}, nil
	}

	result, err := service.resolve(ctx, callID, transcript)
	if err != nil {
		return nil, err
	}

	prometheus.ScreeningDuration.Observe(time.Since(startedAt).Seconds())

	return result, nil
}

// Redrive re-runs screening for a stalled call from its stored transcript.
func (service *Service) Redrive(ctx context.Context, record *call.CallRecord) error {
	_, err := service.resolve(ctx, record.CallID, record.TranscriptText())

	return err
}

// prepare moves the call into SCREENING and persists the latest transcript,
// creating the record when the screen request is the first sign of the call.
func (service *Service) prepare(
	ctx context.Context, callID, fromNumber, transcript string, admitted bool,
) (*call.CallRecord, error) {
	unlock := service.Registry.Lock(callID)
	defer unlock()

	record, err := service.CallRepository.GetByID(ctx, callID)

	switch {
	case errors.Is(err, call.ErrCallNotFound):
		record = &call.CallRecord{
			CallID:     callID,
			FromNumber: fromNumber,
			State:      call.StateStarted,
			Verdict:    call.VerdictUnknown,
		}

		_, err = service.CallRepository.Create(ctx, record)
		if err != nil {
			return nil, err
		}

		service.Registry.Track(callID)
	case err != nil:
		return nil, err
	}

	if record.Verdict != call.VerdictUnknown {
		return record, nil
	}

	if !admitted {
		return nil, ErrScreeningInProgress
	}

	transition, err := call.Apply(record, call.TriggerScreenRequested, "", "")
	if err != nil {
		return nil, err
	}

	if transition.Absorbed {
		return nil, fmt.Errorf("%w: call %s is %s", ErrCallAlreadyEnded, callID, record.State)
	}

	_, err = service.CallRepository.UpdateState(
		ctx, callID, call.StateScreening,
		[]string{call.StateStarted, call.StateScreening},
	)
	if err != nil {
		return nil, err
	}

	err = service.CallRepository.SetTranscript(ctx, callID, ParseTranscript(transcript))
	if err != nil {
		return nil, err
	}

	record.State = call.StateScreening

	return record, nil
}

// resolve obtains a verdict for the transcript and records it. Analysis I/O
// happens outside the per-call lock.
func (service *Service) resolve(
	ctx context.Context, callID, transcript string,
) (*Result, error) {
	var (
		verdict string
		summary string
	)

	if strings.TrimSpace(transcript) == "" {
		// nothing said yet is not evidence of a scam
		verdict, summary = call.VerdictSafe, emptyTranscriptSummary

		logging.Logger.Info("Empty transcript, defaulting to safe",
			zap.String("call_id", callID))
	} else {
		analysisResult, err := service.Analyzer.Analyze(ctx, callID, transcript)

		switch {
		case err == nil:
			verdict, summary = analysisResult.Verdict, analysisResult.Summary
		case errors.Is(err, analysis.ErrProviderContract):
			// an unverifiable reply fails toward caution, never toward
			// letting the call through
			verdict, summary = call.VerdictScam, pendingReviewSummary

			logging.Logger.Warn("Unverifiable analysis reply, blocking pending review",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
			)
		default:
			service.recordScreenFailure(ctx, callID, err)

			return nil, fmt.Errorf("%w: %w", ErrScreeningFailed, err)
		}
	}

	return service.record(ctx, callID, verdict, summary)
}

// record persists the verdict under the per-call lock, re-checking that the
// call did not end during analysis, then dispatches the owed action.
func (service *Service) record(
	ctx context.Context, callID, verdict, summary string,
) (*Result, error) {
	unlock := service.Registry.Lock(callID)

	record, err := service.CallRepository.GetByID(ctx, callID)
	if err != nil {
		unlock()
		return nil, err
	}

	if record.State == call.StateEnded {
		unlock()
		logging.Logger.Info("Call ended during analysis, dropping verdict",
			zap.String("call_id", callID),
			zap.String("verdict", verdict),
		)

		return nil, fmt.Errorf("%w: call %s", ErrCallAlreadyEnded, callID)
	}

	if record.Verdict != call.VerdictUnknown {
		unlock()
		return &Result{CallID: callID, Verdict: record.Verdict, Summary: record.Summary}, nil
	}

	transition, err := call.Apply(record, call.TriggerVerdictRecorded, verdict, summary)
	if err != nil {
		unlock()
		return nil, err
	}

	recorded, err := service.CallRepository.RecordVerdict(
		ctx, callID, verdict, summary, transition.State)
	if err != nil {
		unlock()
		return nil, err
	}

	if !recorded {
		// a concurrent writer settled the verdict first; answer from storage
		record, err = service.CallRepository.GetByID(ctx, callID)
		unlock()

		if err != nil {
			return nil, err
		}

		return &Result{CallID: callID, Verdict: record.Verdict, Summary: record.Summary}, nil
	}

	if transition.State == call.StateBlocked {
		service.Registry.Untrack(callID)
	}

	unlock()

	prometheus.Verdicts.WithLabelValues(verdict).Inc()

	logging.Logger.Info("Verdict recorded",
		zap.String("call_id", callID),
		zap.String("verdict", verdict),
		zap.String("summary", summary),
		zap.String("state", transition.State),
	)

	for _, intent := range transition.Intents {
		service.Executor.Dispatch(intent)
	}

	return &Result{CallID: callID, Verdict: verdict, Summary: summary}, nil
}

// recordScreenFailure notes an exhausted analysis attempt on the record so
// operators can see it; the call stays in SCREENING for the reconciler.
func (service *Service) recordScreenFailure(ctx context.Context, callID string, cause error) {
	unlock := service.Registry.Lock(callID)
	defer unlock()

	record, err := service.CallRepository.GetByID(ctx, callID)
	if err != nil {
		logging.Logger.Error("Failed to load call to note screen failure",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)

		return
	}

	attempts := append(record.Attempts(), call.ActionAttempt{
		AttemptID: uuid.NewString(),
		Kind:      call.ActionScreen,
		Outcome:   call.OutcomeFailed,
		Attempts:  int(config.Conf.AnalysisRetryMaxAttempts),
		Error:     cause.Error(),
		At:        time.Now().UTC(),
	})

	err = service.CallRepository.SaveAttempts(ctx, callID, attempts)
	if err != nil {
		logging.Logger.Error("Failed to note screen failure",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)
	}
}

// ParseTranscript splits the flat transcript the agent sends into speaker
// turns. Lines without a "speaker: text" shape belong to the caller.
func ParseTranscript(transcript string) []call.Utterance {
	var utterances []call.Utterance

	for _, line := range strings.Split(transcript, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		speaker, text, found := strings.Cut(line, ": ")
		if !found || strings.ContainsAny(speaker, " \t") {
			speaker, text = "caller", line
		}

		utterances = append(utterances, call.Utterance{Speaker: speaker, Text: text})
	}

	return utterances
}
