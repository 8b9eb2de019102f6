package splice

import "fmt"

// State is the splicing state of one flow.
type State int

const (
	StateNew State = iota
	StateSynSent
	StateSynAckReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateTimeWait
	StateCloseWait
	StateLastAck
	StateClosing
	StateClosed
)

var stateNames = [...]string{
	StateNew:            "NEW",
	StateSynSent:        "SYN_SENT",
	StateSynAckReceived: "SYN_ACK_RECEIVED",
	StateEstablished:    "ESTABLISHED",
	StateFinWait1:       "FIN_WAIT_1",
	StateFinWait2:       "FIN_WAIT_2",
	StateTimeWait:       "TIME_WAIT",
	StateCloseWait:      "CLOSE_WAIT",
	StateLastAck:        "LAST_ACK",
	StateClosing:        "CLOSING",
	StateClosed:         "CLOSED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ManagerState is the lifecycle state of a Manager.
type ManagerState int

const (
	ManagerIdle ManagerState = iota
	ManagerRunning
	ManagerPaused
	ManagerStopping
	ManagerClosed
	ManagerError
)

func (s ManagerState) String() string {
	switch s {
	case ManagerIdle:
		return "idle"
	case ManagerRunning:
		return "running"
	case ManagerPaused:
		return "paused"
	case ManagerStopping:
		return "stopping"
	case ManagerClosed:
		return "closed"
	case ManagerError:
		return "error"
	}
	return fmt.Sprintf("ManagerState(%d)", int(s))
}

// seqAfter reports whether a is after b in 32-bit sequence space.
func seqAfter(a, b uint32) bool { return int32(a-b) > 0 }
