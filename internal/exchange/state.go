package exchange

import "fmt"

// State is the position of the engine in an exchange round.
type State int

const (
	Idle State = iota
	BuildingRequest
	AwaitingResponse
	ApplyingChanges
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case BuildingRequest:
		return "BuildingRequest"
	case AwaitingResponse:
		return "AwaitingResponse"
	case ApplyingChanges:
		return "ApplyingChanges"
	case Failed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case Idle:
		if newState == BuildingRequest {
			return nil
		}
	case BuildingRequest:
		switch newState {
		// Failed when the local queue could not be read.
		case AwaitingResponse, Failed:
			return nil
		}
	case AwaitingResponse:
		switch newState {
		case ApplyingChanges, Failed:
			return nil
		}
	case ApplyingChanges:
		switch newState {
		// Failed when a group's merge transaction could not commit.
		case Idle, Failed:
			return nil
		}
	case Failed:
		if newState == Idle {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}
