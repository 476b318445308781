package healthchecker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/telephony"
)

// CheckTelephony probes the voice API with a call id that cannot exist. A
// not-found answer is a healthy answer; only unavailability keeps the check
// failing.
func CheckTelephony() bool {
	telephonyService := telephony.NewService()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := telephonyService.GetCall(ctx, monitorCallID)

	return err == nil ||
		errors.Is(err, telephony.ErrCallGone) ||
		errors.Is(err, telephony.ErrPermanentProvider)
}

// CheckSMS only needs the messaging endpoint to answer HTTP at all; an auth
// rejection still proves it is back.
func CheckSMS() bool {
	client := &http.Client{
		Timeout: time.Duration(config.Conf.TelephonyTimeout) * time.Second,
	}

	resp, err := client.Head(config.Conf.SMSBaseUrl)
	if err != nil {
		return false
	}

	_ = resp.Body.Close()

	return true
}
