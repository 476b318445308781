package httpapi

import (
	"errors"
	"net/http"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/dashboard"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/event"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/screening"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

type Handler struct {
	CallService      *call.Service
	ScreeningService *screening.Service
	Deduplicator     *event.Deduplicator
	DashboardRepo    *dashboard.Repository
}

type lifecycleNotification struct {
	Event string `json:"event" binding:"required"`
	Call  struct {
		CallID     string `json:"call_id"`
		FromNumber string `json:"from_number"`
		ToNumber   string `json:"to_number"`
	} `json:"call"`
}

var eventTriggers = map[string]call.Trigger{
	event.KindCallStarted:     call.TriggerCallStarted,
	event.KindCallEnded:       call.TriggerCallEnded,
	event.KindCallTransferred: call.TriggerCallTransferred,
}

// HandleLifecycleNotification ingests provider lifecycle webhooks. Replays
// and late arrivals are acknowledged so the provider stops redelivering.
func (handler *Handler) HandleLifecycleNotification(c *gin.Context) {
	var notification lifecycleNotification

	err := c.ShouldBindJSON(&notification)
	if err != nil || notification.Call.CallID == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed notification"})
		return
	}

	trigger, known := eventTriggers[notification.Event]
	if !known {
		logging.Logger.Info("Ignoring unknown lifecycle event",
			zap.String("event", notification.Event),
			zap.String("call_id", notification.Call.CallID),
		)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})

		return
	}

	inboundEvent := &event.InboundEvent{
		EventID: event.DeriveID(notification.Event, notification.Call.CallID),
		CallID:  notification.Call.CallID,
		Kind:    notification.Event,
	}

	admitted, err := handler.Deduplicator.Admit(c.Request.Context(), inboundEvent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event admission failed"})
		return
	}

	if !admitted {
		prometheus.WebhookEvents.WithLabelValues(notification.Event, "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})

		return
	}

	transition, err := handler.CallService.HandleLifecycleEvent(
		c.Request.Context(), call.LifecycleEvent{
			Trigger:    trigger,
			CallID:     notification.Call.CallID,
			FromNumber: notification.Call.FromNumber,
			ToNumber:   notification.Call.ToNumber,
		})

	switch {
	case errors.Is(err, call.ErrStateConflict):
		// out-of-order delivery is the provider's normal, not our failure
		prometheus.WebhookEvents.WithLabelValues(notification.Event, "conflict").Inc()
		logging.Logger.Warn("Out-of-order lifecycle notification",
			zap.String("call_id", notification.Call.CallID),
			zap.String("event", notification.Event),
			zap.String("error", err.Error()),
		)
		c.JSON(http.StatusOK, gin.H{"status": "out_of_order"})

		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}

	result := "applied"
	if transition.Absorbed {
		result = "absorbed"
	}

	prometheus.WebhookEvents.WithLabelValues(notification.Event, result).Inc()

	c.JSON(http.StatusOK, gin.H{
		"status":  result,
		"call_id": notification.Call.CallID,
		"state":   transition.State,
	})
}

type screenRequest struct {
	CallID     string `json:"call_id"`
	FromNumber string `json:"from_number"`
	Transcript string `json:"transcript"`
}

// HandleScreeningRequest serves the voice agent's screening tool. The agent
// platform wraps tool arguments in an "args" envelope; plain bodies are
// accepted too.
func (handler *Handler) HandleScreeningRequest(c *gin.Context) {
	var envelope struct {
		Args       json.RawMessage `json:"args"`
		CallID     string          `json:"call_id"`
		FromNumber string          `json:"from_number"`
		Transcript string          `json:"transcript"`
	}

	err := c.ShouldBindJSON(&envelope)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed request"})
		return
	}

	request := screenRequest{
		CallID:     envelope.CallID,
		FromNumber: envelope.FromNumber,
		Transcript: envelope.Transcript,
	}

	if len(envelope.Args) > 0 {
		err = json.Unmarshal(envelope.Args, &request)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "malformed args"})
			return
		}
	}

	if request.CallID == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "call_id is required"})
		return
	}

	result, err := handler.ScreeningService.Screen(
		c.Request.Context(), request.CallID, request.FromNumber, request.Transcript)

	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, screening.ErrCallAlreadyEnded),
		errors.Is(err, screening.ErrScreeningInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, screening.ErrScreeningFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "screening unavailable"})
	case errors.Is(err, call.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "call is not in a screenable state"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "screening failed"})
	}
}

func (handler *Handler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"service":              "wisp",
		"verification_mode":    VerificationMode(),
		"analysis_configured":  config.Conf.AnalysisAPIKey != "",
		"telephony_configured": config.Conf.TelephonyAPIKey != "",
		"sms_configured":       config.Conf.SMSAPIKey != "",
	})
}
