package call

import (
	"time"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"
)

type CallRecord struct {
	CallID            string         `gorm:"column:call_id;type:varchar(255);primaryKey;not null" json:"call_id"`
	FromNumber        string         `gorm:"column:from_number;type:varchar(32)"                  json:"from_number"`
	ToNumber          string         `gorm:"column:to_number;type:varchar(32)"                    json:"to_number"`
	State             string         `gorm:"column:state;type:varchar(16);not null"               json:"state"`
	Verdict           string         `gorm:"column:verdict;type:varchar(8);default:'UNKNOWN';not null" json:"verdict"`
	Summary           string         `gorm:"column:summary;type:text"                             json:"summary"`
	Transcript        datatypes.JSON `gorm:"column:transcript;type:jsonb"                         json:"transcript"`
	ActionAttempts    datatypes.JSON `gorm:"column:action_attempts;type:jsonb"                    json:"action_attempts"`
	ActionCompletedAt *time.Time     `gorm:"column:action_completed_at;type:timestamp"            json:"action_completed_at"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"                     json:"created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"                     json:"updated_at"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

const (
	StateStarted      = "STARTED"
	StateScreening    = "SCREENING"
	StateBlocked      = "BLOCKED"
	StateTransferring = "TRANSFERRING"
	StateEnded        = "ENDED"
)

const (
	VerdictUnknown = "UNKNOWN"
	VerdictSafe    = "SAFE"
	VerdictScam    = "SCAM"
)

// IsTerminal reports whether no further lifecycle transition is permitted.
func IsTerminal(state string) bool {
	return state == StateBlocked || state == StateEnded
}

type Utterance struct {
	Speaker   string `json:"speaker"`
	Timestamp string `json:"timestamp,omitempty"`
	Text      string `json:"text"`
}

const (
	ActionBlock    = "block"
	ActionTransfer = "transfer"
	ActionScreen   = "screen"
)

const (
	OutcomeInFlight  = "in_flight"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

type ActionAttempt struct {
	AttemptID string    `json:"attempt_id"`
	Kind      string    `json:"kind"`
	Outcome   string    `json:"outcome"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Attempts decodes the action_attempts history; a malformed column yields an
// empty history rather than an error, so a corrupt record cannot wedge a call.
func (record *CallRecord) Attempts() []ActionAttempt {
	if len(record.ActionAttempts) == 0 {
		return nil
	}

	var attempts []ActionAttempt

	err := json.Unmarshal(record.ActionAttempts, &attempts)
	if err != nil {
		return nil
	}

	return attempts
}

func (record *CallRecord) HasCompletedAction(kind string) bool {
	for _, attempt := range record.Attempts() {
		if attempt.Kind == kind && attempt.Outcome == OutcomeCompleted {
			return true
		}
	}

	return false
}

func (record *CallRecord) Utterances() []Utterance {
	if len(record.Transcript) == 0 {
		return nil
	}

	var utterances []Utterance

	err := json.Unmarshal(record.Transcript, &utterances)
	if err != nil {
		return nil
	}

	return utterances
}

// TranscriptText rebuilds the flat transcript handed to the analysis provider.
func (record *CallRecord) TranscriptText() string {
	utterances := record.Utterances()
	if len(utterances) == 0 {
		return ""
	}

	text := ""

	for idx, utterance := range utterances {
		if idx > 0 {
			text += "\n"
		}

		if utterance.Speaker != "" {
			text += utterance.Speaker + ": "
		}

		text += utterance.Text
	}

	return text
}
