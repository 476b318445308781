package call

import (
	"errors"
	"fmt"
)

type Trigger string

const (
	TriggerCallStarted     Trigger = "call_started"
	TriggerScreenRequested Trigger = "screen_requested"
	TriggerVerdictRecorded Trigger = "verdict_recorded"
	TriggerCallEnded       Trigger = "call_ended"
	TriggerCallTransferred Trigger = "call_transferred"
)

var (
	ErrStateConflict  = errors.New("trigger is not valid for the current call state")
	ErrUnknownTrigger = errors.New("unknown lifecycle trigger")
	ErrInvalidVerdict = errors.New("verdict must be SCAM or SAFE")
)

// Intent is a side effect owed after a transition. It is handed to the action
// executor only once the transition it belongs to is durably recorded.
type Intent struct {
	Kind    string
	CallID  string
	Summary string
}

type Transition struct {
	From    string
	State   string
	Intents []Intent

	// Absorbed marks a trigger that arrived after the call reached a state
	// where it no longer applies. Absorbed transitions change nothing.
	Absorbed bool
}

// Apply computes the transition for a trigger against the current record
// without touching storage. Callers persist the resulting state themselves,
// holding the per-call lock, before dispatching any intents.
func Apply(record *CallRecord, trigger Trigger, verdict, summary string) (*Transition, error) {
	// terminal states absorb every late trigger, including the natural
	// hangup notification that follows a block
	if IsTerminal(record.State) {
		return &Transition{From: record.State, State: record.State, Absorbed: true}, nil
	}

	switch trigger {
	case TriggerCallStarted:
		if record.State != "" {
			return nil, fmt.Errorf("%w: call %s already started in state %s",
				ErrStateConflict, record.CallID, record.State)
		}

		return &Transition{From: record.State, State: StateStarted}, nil

	case TriggerScreenRequested:
		switch record.State {
		case "", StateStarted, StateScreening:
			return &Transition{From: record.State, State: StateScreening}, nil
		default:
			return nil, fmt.Errorf("%w: cannot screen call %s in state %s",
				ErrStateConflict, record.CallID, record.State)
		}

	case TriggerVerdictRecorded:
		if record.State != StateScreening {
			return nil, fmt.Errorf("%w: cannot record verdict for call %s in state %s",
				ErrStateConflict, record.CallID, record.State)
		}

		if record.Verdict != VerdictUnknown {
			// verdict is set exactly once; a second one is dropped
			return &Transition{From: record.State, State: record.State, Absorbed: true}, nil
		}

		switch verdict {
		case VerdictScam:
			return &Transition{
				From:  record.State,
				State: StateBlocked,
				Intents: []Intent{
					{Kind: ActionBlock, CallID: record.CallID, Summary: summary},
				},
			}, nil
		case VerdictSafe:
			return &Transition{
				From:  record.State,
				State: StateTransferring,
				Intents: []Intent{
					{Kind: ActionTransfer, CallID: record.CallID, Summary: summary},
				},
			}, nil
		default:
			return nil, fmt.Errorf("%w: got %q", ErrInvalidVerdict, verdict)
		}

	case TriggerCallEnded:
		return &Transition{From: record.State, State: StateEnded}, nil

	case TriggerCallTransferred:
		if record.State != StateTransferring {
			return nil, fmt.Errorf("%w: call %s reported transferred in state %s",
				ErrStateConflict, record.CallID, record.State)
		}

		return &Transition{From: record.State, State: StateEnded}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, trigger)
	}
}
