package circuitbreak

import "git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"

var CircuitBreakChan chan string

const (
	AnalysisService  = "analysis"
	TelephonyService = "telephony"
	SMSService       = "sms"
	DBService        = "database"
)

func Init() {
	CircuitBreakChan = make(chan string)
}

func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Fatal("wisp app is not created")
	}

	CircuitBreakChan <- service
}
