package healthchecker

import (
	"context"
	"errors"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/analysis"
)

var monitorCallID = "monitor_call_id"

const probeTranscript = "caller: connectivity probe, no screening needed"

// CheckAnalysis counts any answer from the provider as healthy; even an
// out-of-contract reply proves the endpoint is reachable again.
func CheckAnalysis() bool {
	analysisService := analysis.NewService()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := analysisService.Analyze(ctx, monitorCallID, probeTranscript)

	return err == nil || errors.Is(err, analysis.ErrProviderContract)
}
