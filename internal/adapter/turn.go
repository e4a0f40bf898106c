package adapter

// TurnState is the lifecycle shared by all adapters:
// Started -> TurnInProgress -> TurnComplete|TurnFailed -> TurnInProgress|SessionEnded.
type TurnState int

const (
	Started TurnState = iota
	TurnInProgress
	TurnComplete
	TurnFailed
	SessionEnded
)

func (s TurnState) String() string {
	switch s {
	case Started:
		return "started"
	case TurnInProgress:
		return "turn_in_progress"
	case TurnComplete:
		return "turn_complete"
	case TurnFailed:
		return "turn_failed"
	case SessionEnded:
		return "session_ended"
	}
	return "unknown"
}

// TurnMachine tracks TurnState. Adapters embed it.
type TurnMachine struct {
	state TurnState
}

// TurnState returns the current state.
func (m *TurnMachine) TurnState() TurnState { return m.state }

// BeginTurn moves to TurnInProgress unless the session has ended.
func (m *TurnMachine) BeginTurn() {
	if m.state != SessionEnded {
		m.state = TurnInProgress
	}
}

// EndTurn records the turn outcome.
func (m *TurnMachine) EndTurn(failed bool) {
	if m.state == SessionEnded {
		return
	}
	if failed {
		m.state = TurnFailed
		return
	}
	m.state = TurnComplete
}

// EndSession is terminal.
func (m *TurnMachine) EndSession() { m.state = SessionEnded }

// ResetTurns returns to Started.
func (m *TurnMachine) ResetTurns() { m.state = Started }

// InTurn reports whether a turn is running.
func (m *TurnMachine) InTurn() bool { return m.state == TurnInProgress }
