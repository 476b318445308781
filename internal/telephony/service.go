package telephony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	// ErrCallGone means the provider no longer has a live call for the id,
	// usually because the caller hung up first.
	ErrCallGone = errors.New("telephony call no longer live")

	// ErrPermanentProvider marks a request the provider rejected outright;
	// retrying the same request cannot succeed.
	ErrPermanentProvider = errors.New("telephony request rejected")

	// ErrTransientProvider marks exhaustion of retries against an
	// unavailable provider.
	ErrTransientProvider = errors.New("telephony provider unavailable")

	errServerError = errors.New("telephony server error")
)

type CallStatus struct {
	CallID string `json:"call_id"`
	Status string `json:"call_status"`
}

// Ended reports whether the provider considers the call finished.
func (status *CallStatus) Ended() bool {
	return status.Status == "ended" || status.Status == "error"
}

// Provider is the surface the action executor needs from the telephony side.
type Provider interface {
	GetCall(ctx context.Context, callID string) (*CallStatus, error)
	Terminate(ctx context.Context, callID string) error
	Transfer(ctx context.Context, callID, destination, whisper string) error
	SendSMS(ctx context.Context, destination, body string) error
}

type Service struct {
	VoiceBreaker *gobreaker.CircuitBreaker[[]byte]
	SMSBreaker   *gobreaker.CircuitBreaker[[]byte]
}

func NewService() *Service {
	return &Service{
		VoiceBreaker: gobreaker.NewCircuitBreaker[[]byte](
			getCircuitBreakerSettings(circuitbreak.TelephonyService)),
		SMSBreaker: gobreaker.NewCircuitBreaker[[]byte](
			getCircuitBreakerSettings(circuitbreak.SMSService)),
	}
}

// GetCall fetches the live status of a call. A call the provider has already
// forgotten comes back as ErrCallGone.
func (service *Service) GetCall(ctx context.Context, callID string) (*CallStatus, error) {
	apiUrl, err := url.JoinPath(config.Conf.TelephonyBaseUrl, "v2", "get-call", callID)
	if err != nil {
		return nil, err
	}

	body, err := service.doVoiceRequestWithRetry(ctx, http.MethodGet, apiUrl, nil)
	if err != nil {
		return nil, err
	}

	var status CallStatus

	err = json.Unmarshal(body, &status)
	if err != nil {
		return nil, err
	}

	return &status, nil
}

// Terminate hangs up the call with a farewell announcement. A call that
// already ended counts as terminated.
func (service *Service) Terminate(ctx context.Context, callID string) error {
	apiUrl, err := url.JoinPath(config.Conf.TelephonyBaseUrl, "update-call", callID)
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(map[string]any{
		"end_call":         true,
		"end_call_message": config.Conf.TerminateFarewell,
	})
	if err != nil {
		return err
	}

	_, err = service.doVoiceRequestWithRetry(ctx, http.MethodPost, apiUrl, reqBody)
	if errors.Is(err, ErrCallGone) {
		logging.Logger.Info("Call already ended before terminate",
			zap.String("call_id", callID))

		return nil
	}

	return err
}

// Transfer bridges the call to destination as a warm transfer, playing the
// whisper announcement to the callee before connecting.
func (service *Service) Transfer(ctx context.Context, callID, destination, whisper string) error {
	apiUrl, err := url.JoinPath(config.Conf.TelephonyBaseUrl, "update-call", callID)
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(map[string]any{
		"transfer_phone_number":      destination,
		"enable_voicemail_detection": false,
		"whisper_message":            whisper,
	})
	if err != nil {
		return err
	}

	_, err = service.doVoiceRequestWithRetry(ctx, http.MethodPost, apiUrl, reqBody)

	return err
}

// SendSMS delivers a notification text through the messaging provider.
func (service *Service) SendSMS(ctx context.Context, destination, body string) error {
	apiUrl, err := url.JoinPath(config.Conf.SMSBaseUrl, "v2", "messages")
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(map[string]string{
		"from":                 config.Conf.WispPhone,
		"to":                   destination,
		"text":                 body,
		"messaging_profile_id": config.Conf.SMSMessagingProfileID,
	})
	if err != nil {
		return err
	}

	_, err = service.doRequestWithRetry(
		ctx, service.SMSBreaker, http.MethodPost, apiUrl, config.Conf.SMSAPIKey, reqBody)

	return err
}

func (service *Service) doVoiceRequestWithRetry(
	ctx context.Context, method, apiUrl string, reqBody []byte,
) ([]byte, error) {
	return service.doRequestWithRetry(
		ctx, service.VoiceBreaker, method, apiUrl, config.Conf.TelephonyAPIKey, reqBody)
}

func (service *Service) doRequestWithRetry(
	ctx context.Context,
	breaker *gobreaker.CircuitBreaker[[]byte],
	method, apiUrl, apiKey string,
	reqBody []byte,
) ([]byte, error) {
	body, err := breaker.Execute(func() ([]byte, error) {
		var (
			body       []byte
			statusCode int
		)

		err := retry.Do(
			func() error {
				var err error

				body, statusCode, err = service.doRequest(ctx, method, apiUrl, apiKey, reqBody)
				if err != nil {
					return err
				}

				return classifyStatus(statusCode, body)
			},
			retry.Context(ctx),
			retry.Attempts(config.Conf.TelephonyRetryMaxAttempts),
			retry.Delay(time.Duration(config.Conf.TelephonyRetryMinBackoff)*time.Second),
			retry.MaxDelay(time.Duration(config.Conf.TelephonyRetryMaxBackoff)*time.Second),
			retry.MaxJitter(time.Second),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return nil, err
		}

		return body, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrCallGone), errors.Is(err, ErrPermanentProvider):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %w", ErrTransientProvider, err)
		}
	}

	return body, nil
}

func classifyStatus(statusCode int, body []byte) error {
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return nil
	case statusCode == http.StatusNotFound:
		return retry.Unrecoverable(ErrCallGone)
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return retry.Unrecoverable(
			fmt.Errorf("%w: status %d: %s", ErrPermanentProvider, statusCode, body))
	default:
		return fmt.Errorf("%w: status %d", errServerError, statusCode)
	}
}

func (service *Service) doRequest(
	ctx context.Context, method, apiUrl, apiKey string, reqBody []byte,
) ([]byte, int, error) {
	var reader io.Reader
	if reqBody != nil {
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiUrl, reader)
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: time.Duration(config.Conf.TelephonyTimeout) * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		cerr := resp.Body.Close()
		if cerr != nil {
			logging.Logger.Error("Failed to close response body", zap.String("error", cerr.Error()))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}

func getCircuitBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:     name,
		Interval: time.Duration(config.Conf.TelephonyIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.TelephonyConsecutiveFailuresCB
		},
		IsSuccessful: func(err error) bool {
			// rejected requests and gone calls are the provider answering;
			// only unavailability should trip the breaker
			return err == nil ||
				errors.Is(err, ErrCallGone) ||
				errors.Is(err, ErrPermanentProvider)
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Error("Telephony circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(name)
			}
		},
	}
}
