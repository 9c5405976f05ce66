package iptcpstack

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	// ConfigurationError: the request names an address the stack does not
	// own, or engine knobs are out of range.
	ConfigurationError ErrorKind = iota
	// BindError: the port is taken or no ephemeral port is left.
	BindError
	// CollisionError: the tuple already has a connection.
	CollisionError
)

var kindNames = map[ErrorKind]string{
	ConfigurationError: "configuration error",
	BindError:          "bind error",
	CollisionError:     "collision",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by the bind, listen and connect family.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ErrInconsistentRegistry means the write queue holds a tuple the
// connection registry does not know.
var ErrInconsistentRegistry = errors.New("write queue references unregistered connection")

type NetErrorKind int

const (
	NetErrorICMP NetErrorKind = iota
	NetErrorTimeout
	NetErrorOther
)

type ICMPType int

const (
	ICMPNone ICMPType = iota
	ICMPDestUnreachable
	ICMPTooBig
	ICMPTimeExceeded
	ICMPParameterProblem
)

// NetError is an error signal from the network layer. PMTU is only
// meaningful for ICMPTooBig.
type NetError struct {
	Kind NetErrorKind
	ICMP ICMPType
	PMTU int
	Msg  string
}

func TooBig(pmtu int) NetError {
	return NetError{Kind: NetErrorICMP, ICMP: ICMPTooBig, PMTU: pmtu, Msg: "fragmentation needed"}
}

func (e NetError) IsICMP() bool { return e.Kind == NetErrorICMP }

func (e NetError) IsTooBig() bool { return e.IsICMP() && e.ICMP == ICMPTooBig }

func (e NetError) Error() string {
	if e.IsTooBig() {
		return fmt.Sprintf("%s (pmtu %d)", e.Msg, e.PMTU)
	}
	return e.Msg
}
