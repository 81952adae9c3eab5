package dispatch

import (
	"time"

	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/spectrum"
)

// EventType names what changed in the dispatcher's state.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventConnectFailed   EventType = "connect_failed"
	EventDisconnected    EventType = "disconnected"
	EventClosed          EventType = "closed"
	EventSessionStarted  EventType = "session_started"
	EventSessionStopped  EventType = "session_stopped"
	EventSessionFinished EventType = "session_finished"
	EventSpectrum        EventType = "spectrum"
	EventPreview         EventType = "preview"
	EventDetectorConfig  EventType = "detector_config"
	EventError           EventType = "error"
)

// Event is published to the Notifier after a message has been handled.
// Index and Spectrum are only set on spectrum and preview events.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	Session  string         `json:"session,omitempty"`
	Index    int            `json:"index"`
	Message  string         `json:"message,omitempty"`
	Spectrum *spectrum.View `json:"spectrum,omitempty"`
}

// Notifier receives dispatcher events. Notify is called on the dispatcher
// goroutine and must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Recorder persists sessions and their spectra. store.FileStore and db.DB
// both implement it.
type Recorder interface {
	SaveSession(info spectrum.Info) error
	RecordSpectrum(msg *protocol.Message, spec *spectrum.Spectrum, det *spectrum.Detector) error
}

// Metrics counts dispatcher activity. monitoring.Metrics implements it.
type Metrics interface {
	AddDispatched(command string)
	AddRecorded()
}

type noopMetrics struct{}

func (noopMetrics) AddDispatched(string) {}
func (noopMetrics) AddRecorded()         {}
