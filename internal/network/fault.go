package network

import (
	"errors"
	"net"

	"github.com/banshee-data/gamma.report/internal/protocol"
)

var (
	// ErrStopped is returned by Link.Enqueue once the worker is stopping.
	ErrStopped = errors.New("transport worker stopped")
	// ErrOversizedDatagram marks a datagram larger than the payload limit.
	ErrOversizedDatagram = errors.New("datagram exceeds payload limit")
	// ErrUnresolvablePeer marks an outbound message whose peer cannot be resolved.
	ErrUnresolvablePeer = errors.New("cannot resolve peer address")
	// ErrUnencodable marks an outbound message the codec rejected.
	ErrUnencodable = errors.New("cannot encode message")
	// ErrWorkerPanic wraps a panic recovered inside the worker loop.
	ErrWorkerPanic = errors.New("transport worker panicked")
)

// Severity classifies a fault raised inside the worker loop.
type Severity int

const (
	// Fatal faults end the worker loop. The link must be reopened.
	Fatal Severity = iota
	// Recoverable faults drop the offending datagram and the loop continues.
	Recoverable
)

func (s Severity) String() string {
	if s == Recoverable {
		return "recoverable"
	}
	return "fatal"
}

// FaultPolicy decides how the worker reacts to an error.
type FaultPolicy func(error) Severity

// DefaultFaultPolicy drops bad datagrams and unroutable messages but treats
// every socket error as fatal.
func DefaultFaultPolicy(err error) Severity {
	switch {
	case errors.Is(err, protocol.ErrMalformedPayload),
		errors.Is(err, ErrOversizedDatagram),
		errors.Is(err, ErrUnresolvablePeer),
		errors.Is(err, ErrUnencodable):
		return Recoverable
	}
	return Fatal
}

// StrictFaultPolicy treats every fault as fatal.
func StrictFaultPolicy(error) Severity { return Fatal }

// dropReason is the metrics label for a recoverable fault.
func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrOversizedDatagram):
		return "oversized"
	case errors.Is(err, ErrUnresolvablePeer):
		return "unresolvable_peer"
	case errors.Is(err, ErrUnencodable):
		return "unencodable"
	default:
		return "other"
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
