package tcpconn

import "fmt"

type State int

const (
	Closed State = iota
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	Closing
	CloseWait
	LastAck
)

var stateNames = [...]string{
	Closed:      "CLOSED",
	SynSent:     "SYN-SENT",
	SynReceived: "SYN-RECEIVED",
	Established: "ESTABLISHED",
	FinWait1:    "FIN-WAIT-1",
	FinWait2:    "FIN-WAIT-2",
	Closing:     "CLOSING",
	CloseWait:   "CLOSE-WAIT",
	LastAck:     "LAST-ACK",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// sending reports whether data or a FIN may still leave in this state.
func (s State) sending() bool {
	switch s {
	case Established, CloseWait, FinWait1, Closing, LastAck:
		return true
	}
	return false
}

// receiving reports whether payload from the peer is still accepted.
func (s State) receiving() bool {
	switch s {
	case Established, FinWait1, FinWait2:
		return true
	}
	return false
}
