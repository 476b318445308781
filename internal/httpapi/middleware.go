package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/prometheus"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// VerificationMode names the posture signature checking runs under.
// Permissive mode admits failing notifications but makes every one visible.
func VerificationMode() string {
	if config.Conf.WebhookPermissiveMode {
		return "permissive"
	}

	return "strict"
}

// SignatureMiddleware verifies the notification signature over the raw body
// before any parsing happens. The body is restored for downstream handlers.
func SignatureMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		tolerance := time.Duration(config.Conf.WebhookToleranceSecs) * time.Second
		header := c.GetHeader(SignatureHeader)

		verifyErr := VerifySignature(
			config.Conf.WebhookSecret, header, body, tolerance, time.Now())

		if config.Conf.WebhookSecret == "" {
			verifyErr = ErrVerification
		}

		if verifyErr == nil {
			c.Next()
			return
		}

		mode := VerificationMode()

		prometheus.SignatureRejections.WithLabelValues(mode).Inc()

		logging.Logger.Warn("Webhook signature rejected",
			zap.String("mode", mode),
			zap.String("path", c.Request.URL.Path),
			zap.String("remote_addr", c.ClientIP()),
			zap.String("error", verifyErr.Error()),
		)

		if !config.Conf.WebhookPermissiveMode {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "verification failed"})
			return
		}

		c.Next()
	}
}
