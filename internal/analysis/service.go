package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"github.com/avast/retry-go"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	// ErrProviderContract marks a provider reply that cannot be mapped to a
	// verdict. It is never retried; the caller decides how to fail safe.
	ErrProviderContract = errors.New("analysis provider returned an out-of-contract reply")

	// ErrTransientProvider marks exhaustion of retries against an
	// unavailable provider.
	ErrTransientProvider = errors.New("analysis provider unavailable")
)

type Result struct {
	Verdict string
	Summary string
}

type Analyzer interface {
	Analyze(ctx context.Context, callID, transcript string) (*Result, error)
}

type Service struct {
	Client         openai.Client
	CircuitBreaker *gobreaker.CircuitBreaker[string]
}

func NewService() *Service {
	client := openai.NewClient(
		option.WithBaseURL(config.Conf.AnalysisBaseUrl),
		option.WithAPIKey(config.Conf.AnalysisAPIKey),
		option.WithRequestTimeout(time.Duration(config.Conf.AnalysisTimeout)*time.Second),
		option.WithMaxRetries(0),
	)

	return &Service{
		Client:         client,
		CircuitBreaker: gobreaker.NewCircuitBreaker[string](getCircuitBreakerSettings()),
	}
}

const promptTemplate = `You are screening an incoming phone call on behalf of the person being called.
Decide from the transcript below whether the caller is attempting a scam
(impersonation, payment pressure, credential harvesting, threats) or is a
legitimate caller.

Transcript:
%s

Reply in exactly this format, nothing else:
VERDICT: SCAM or SAFE
SUMMARY: one short sentence describing who is calling and why`

// Analyze asks the provider for a verdict on the transcript. An
// out-of-contract reply surfaces as ErrProviderContract without retrying;
// provider unavailability surfaces as ErrTransientProvider once retries and
// the circuit breaker give up.
func (service *Service) Analyze(
	ctx context.Context, callID, transcript string,
) (*Result, error) {
	startedAt := time.Now()

	raw, err := service.CircuitBreaker.Execute(func() (string, error) {
		return service.complete(ctx, transcript)
	})
	if err != nil {
		if errors.Is(err, ErrProviderContract) {
			logging.Logger.Error("Analysis reply violated the verdict contract",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		logging.Logger.Error("Analysis request failed",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %w", ErrTransientProvider, err)
	}

	result, err := ParseVerdict(raw)
	if err != nil {
		logging.Logger.Error("Analysis reply violated the verdict contract",
			zap.String("call_id", callID),
			zap.String("raw_reply", raw),
		)

		return nil, err
	}

	logging.Logger.Info("Analysis completed",
		zap.String("call_id", callID),
		zap.String("verdict", result.Verdict),
		zap.Duration("duration", time.Since(startedAt)),
	)

	return result, nil
}

func (service *Service) complete(ctx context.Context, transcript string) (string, error) {
	var raw string

	err := retry.Do(
		func() error {
			completion, err := service.Client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
				Model: openai.ChatModel(config.Conf.AnalysisModel),
				Messages: []openai.ChatCompletionMessageParamUnion{
					openai.UserMessage(fmt.Sprintf(promptTemplate, transcript)),
				},
			})
			if err != nil {
				return err
			}

			if len(completion.Choices) == 0 {
				return retry.Unrecoverable(
					fmt.Errorf("%w: reply has no choices", ErrProviderContract))
			}

			raw = completion.Choices[0].Message.Content

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(config.Conf.AnalysisRetryMaxAttempts),
		retry.Delay(time.Duration(config.Conf.AnalysisRetryMinBackoff)*time.Second),
		retry.MaxDelay(time.Duration(config.Conf.AnalysisRetryMaxBackoff)*time.Second),
		retry.MaxJitter(time.Second),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", err
	}

	return raw, nil
}

// ParseVerdict maps a raw reply onto the closed verdict set. Anything that
// does not carry an exact SCAM or SAFE verdict line and a non-empty summary
// is a contract violation.
func ParseVerdict(raw string) (*Result, error) {
	var verdict, summary string

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "VERDICT:"):
			verdict = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, "VERDICT:")))
		case strings.HasPrefix(line, "SUMMARY:"):
			summary = strings.TrimSpace(strings.TrimPrefix(line, "SUMMARY:"))
		}
	}

	if verdict != call.VerdictScam && verdict != call.VerdictSafe {
		return nil, fmt.Errorf("%w: unparseable verdict %q", ErrProviderContract, verdict)
	}

	if summary == "" {
		return nil, fmt.Errorf("%w: missing summary", ErrProviderContract)
	}

	return &Result{Verdict: verdict, Summary: summary}, nil
}

func getCircuitBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:     circuitbreak.AnalysisService,
		Interval: time.Duration(config.Conf.AnalysisIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.AnalysisConsecutiveFailuresCB
		},
		IsSuccessful: func(err error) bool {
			// contract violations are the provider answering; only
			// unavailability should trip the breaker
			return err == nil || errors.Is(err, ErrProviderContract)
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Error("Analysis circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.AnalysisService)
			}
		},
	}
}
