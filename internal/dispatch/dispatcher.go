// Package dispatch drains messages received from the acquisition device and
// applies them to the current session, detector and connection state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/gamma.report/internal/monitoring"
	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/spectrum"
	"github.com/banshee-data/gamma.report/internal/timeutil"
)

// DefaultInterval is the drain period used by Run.
const DefaultInterval = 10 * time.Millisecond

var (
	// ErrTransportTerminated is returned by Run when the worker exits with
	// a fault. It wraps the worker's error.
	ErrTransportTerminated = errors.New("transport terminated")
	ErrNoTransport         = errors.New("no transport attached")
	ErrTransportAlive      = errors.New("previous transport still running")
	ErrNoDetector          = errors.New("no detector selected")
)

// Transport is the client side of a device connection. *network.Link
// implements it.
type Transport interface {
	Enqueue(msg *protocol.Message) error
	PollInbound() (*protocol.Message, bool)
	PendingOutbound() int
	Peer() string
	RequestStop()
	Wait()
	IsRunning() bool
	Done() <-chan struct{}
	Err() error
}

// Config wires the dispatcher to its collaborators. Only Loader is needed
// to start sessions; the rest are optional.
type Config struct {
	Loader    spectrum.CalibrationLoader
	Recorders []Recorder
	Notifier  Notifier
	Metrics   Metrics
	Clock     timeutil.Clock
}

// Status is a point-in-time summary for display. PendingOutbound counts
// commands the worker has not sent yet.
type Status struct {
	TransportRunning bool   `json:"transport_running"`
	Connected        bool   `json:"connected"`
	Acquiring        bool   `json:"acquiring"`
	Previewing       bool   `json:"previewing"`
	Session          string `json:"session,omitempty"`
	Detector         string `json:"detector,omitempty"`
	PendingOutbound  int    `json:"pending_outbound"`
}

// Dispatcher owns the client state driven by inbound messages. Handlers run
// synchronously on the goroutine calling Tick; the accessors are safe from
// any goroutine.
type Dispatcher struct {
	cfg Config

	mu           sync.Mutex
	transport    Transport
	detector     *spectrum.Detector
	detectorType *spectrum.DetectorType
	session      *spectrum.Session
	preview      *spectrum.Spectrum
	request      protocol.SessionRequest
	comment      string
	connected    bool
	acquiring    bool
}

func New(cfg Config) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(Event) {})
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Dispatcher{cfg: cfg, session: &spectrum.Session{}}
}

// Attach makes t the active transport. A previous transport must have
// fully stopped first.
func (d *Dispatcher) Attach(t Transport) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport != nil && alive(d.transport) {
		return ErrTransportAlive
	}
	d.transport = t
	d.connected = false
	return nil
}

func alive(t Transport) bool {
	select {
	case <-t.Done():
		return false
	default:
		return true
	}
}

func (d *Dispatcher) currentTransport() Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transport
}

// SelectDetector chooses the detector used by the next session and updated
// by detector_config_success replies.
func (d *Dispatcher) SelectDetector(det *spectrum.Detector, typ *spectrum.DetectorType) error {
	if err := det.Validate(); err != nil {
		return err
	}
	if typ == nil {
		return fmt.Errorf("detector %s: no detector type", det.Serial)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector = det.Clone()
	t := *typ
	d.detectorType = &t
	return nil
}

// Session returns the current session. It is never nil; before the first
// session starts it is empty and unloaded.
func (d *Dispatcher) Session() *spectrum.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Preview returns a copy of the merged preview spectrum, or nil.
func (d *Dispatcher) Preview() *spectrum.Spectrum {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.preview == nil {
		return nil
	}
	return d.preview.Clone()
}

// Detector returns copies of the selected detector and its type.
func (d *Dispatcher) Detector() (*spectrum.Detector, *spectrum.DetectorType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detector == nil {
		return nil, nil
	}
	t := *d.detectorType
	return d.detector.Clone(), &t
}

func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		Connected:  d.connected,
		Acquiring:  d.acquiring,
		Previewing: d.acquiring && d.request.Preview,
		Session:    d.session.Name(),
	}
	if d.transport != nil {
		s.TransportRunning = d.transport.IsRunning()
		s.PendingOutbound = d.transport.PendingOutbound()
	}
	if d.detector != nil {
		s.Detector = d.detector.String()
	}
	return s
}

// Tick drains the inbound queue and handles every message. It returns the
// number of messages handled.
func (d *Dispatcher) Tick() int {
	t := d.currentTransport()
	if t == nil {
		return 0
	}
	n := 0
	for {
		msg, ok := t.PollInbound()
		if !ok {
			return n
		}
		d.Dispatch(msg)
		n++
	}
}

// Run calls Tick every interval until ctx is done or the attached
// transport's worker exits with a fault.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := d.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			d.Tick()
			if err := d.transportErr(); err != nil {
				return err
			}
		}
	}
}

// transportErr reports a worker that has exited with an error. A worker
// stopped on request is not an error.
func (d *Dispatcher) transportErr() error {
	t := d.currentTransport()
	if t == nil || alive(t) {
		return nil
	}
	if err := t.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportTerminated, err)
	}
	return nil
}

func (d *Dispatcher) notify(e Event) {
	if e.Time.IsZero() {
		e.Time = d.cfg.Clock.Now()
	}
	d.cfg.Notifier.Notify(e)
}

func (d *Dispatcher) logf(format string, v ...interface{}) {
	monitoring.Logf("dispatch: "+format, v...)
}
