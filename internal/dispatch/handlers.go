package dispatch

import (
	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/spectrum"
)

// Dispatch handles one inbound message. Faults in the message are logged
// with the command and field involved; they never stop the dispatcher.
func (d *Dispatcher) Dispatch(msg *protocol.Message) {
	d.cfg.Metrics.AddDispatched(msg.Command)

	d.mu.Lock()
	events := d.handle(msg)
	d.mu.Unlock()

	for _, e := range events {
		d.notify(e)
	}
}

// handle runs with d.mu held.
func (d *Dispatcher) handle(msg *protocol.Message) []Event {
	switch msg.Command {
	case protocol.CmdConnectOK:
		d.connected = true
		addr := param(msg, protocol.KeyHost) + ":" + param(msg, protocol.KeyPort)
		d.logf("connected to %s", addr)
		return one(Event{Type: EventConnected, Message: addr})

	case protocol.CmdConnectFailed:
		d.connected = false
		addr := param(msg, protocol.KeyHost) + ":" + param(msg, protocol.KeyPort)
		text := param(msg, protocol.KeyMessage)
		d.logf("connection failed for %s: %s", addr, text)
		return one(Event{Type: EventConnectFailed, Message: text})

	case protocol.CmdDisconnectOK:
		d.connected = false
		d.logf("disconnected from peer")
		return one(Event{Type: EventDisconnected})

	case protocol.CmdCloseOK:
		d.connected = false
		if d.transport != nil {
			d.transport.RequestStop()
			d.transport.Wait()
		}
		d.logf("peer closed, transport stopped")
		return one(Event{Type: EventClosed})

	case protocol.CmdStartSessionSuccess:
		return d.handleSessionStarted(msg)

	case protocol.CmdStartSessionError:
		d.acquiring = false
		return d.remoteError(msg, "start session failed")

	case protocol.CmdStopSessionSuccess:
		d.acquiring = false
		d.logf("session stopped")
		return one(Event{Type: EventSessionStopped, Session: d.session.Name()})

	case protocol.CmdStopSessionError:
		d.acquiring = false
		return d.remoteError(msg, "stop session failed")

	case protocol.CmdSessionFinished:
		d.acquiring = false
		name := msg.StringOr(protocol.KeySessionName, d.session.Name())
		d.logf("session %s finished", name)
		return one(Event{Type: EventSessionFinished, Session: name})

	case protocol.CmdSpectrum:
		return d.handleSpectrum(msg)

	case protocol.CmdDetectorConfigSuccess:
		return d.handleDetectorConfig(msg)

	case protocol.CmdError:
		return d.remoteError(msg, "device error")

	case protocol.CmdErrorSocket:
		code := param(msg, protocol.KeyErrorCode)
		text := param(msg, protocol.KeyMessage)
		d.logf("socket error %s: %s", code, text)
		return one(Event{Type: EventError, Message: "socket error " + code + ": " + text})

	default:
		d.logf("ignoring unknown command %q from %s", msg.Command, msg.Peer)
		return nil
	}
}

func one(e Event) []Event { return []Event{e} }

// param renders any parameter as text for log lines, "" when missing.
func param(msg *protocol.Message, key string) string {
	if v, ok := msg.Get(key); ok {
		return v.String()
	}
	return ""
}

func (d *Dispatcher) remoteError(msg *protocol.Message, what string) []Event {
	text := param(msg, protocol.KeyMessage)
	d.logf("%s: %s", what, text)
	return one(Event{Type: EventError, Message: what + ": " + text})
}

// isPreview uses the message's own flag when present, otherwise the mode of
// the last session request.
func (d *Dispatcher) isPreview(msg *protocol.Message) (bool, error) {
	if !msg.Has(protocol.KeyPreview) {
		return d.request.Preview, nil
	}
	return msg.GetBool(protocol.KeyPreview)
}

func (d *Dispatcher) handleSessionStarted(msg *protocol.Message) []Event {
	name, err := msg.GetString(protocol.KeySessionName)
	if err != nil {
		d.logf("%v", err)
		return nil
	}
	preview, err := d.isPreview(msg)
	if err != nil {
		d.logf("%v", err)
		return nil
	}

	if preview {
		d.preview = nil
		d.acquiring = true
		d.logf("preview started: %s", name)
		return one(Event{Type: EventSessionStarted, Session: name, Message: "preview"})
	}

	if d.detector == nil {
		d.logf("session %s started without a selected detector: %v", name, ErrNoDetector)
		return one(Event{Type: EventError, Session: name, Message: ErrNoDetector.Error()})
	}

	iterations := d.request.Iterations
	if v, err := msg.GetInt(protocol.KeyIterations); err == nil {
		iterations = int(v)
	}
	info := spectrum.Info{
		Name:         name,
		Comment:      d.comment,
		Livetime:     msg.FloatOr(protocol.KeyLivetime, d.request.Livetime),
		Iterations:   iterations,
		Detector:     d.detector,
		DetectorType: d.detectorType,
	}
	sess, err := spectrum.NewSession(info, d.cfg.Loader)
	if err != nil {
		d.logf("failed to start session %s: %v", name, err)
		return one(Event{Type: EventError, Session: name, Message: err.Error()})
	}
	d.session = sess
	d.acquiring = true

	saved := sess.Info()
	for _, r := range d.cfg.Recorders {
		if err := r.SaveSession(saved); err != nil {
			d.logf("failed to save session %s: %v", name, err)
		}
	}
	d.logf("session started: %s", name)
	return one(Event{Type: EventSessionStarted, Session: name})
}

func (d *Dispatcher) handleSpectrum(msg *protocol.Message) []Event {
	spec, err := spectrum.FromMessage(msg)
	if err != nil {
		d.logf("dropping spectrum from %s: %v", msg.Peer, err)
		return nil
	}
	preview, err := d.isPreview(msg)
	if err != nil {
		d.logf("dropping %s: %v", spec, err)
		return nil
	}

	if preview {
		if d.preview == nil || d.preview.NumChannels() != spec.NumChannels() {
			d.preview = spec
		} else if err := d.preview.Merge(spec); err != nil {
			d.logf("failed to merge preview %s: %v", spec, err)
			return nil
		}
		view := d.preview.View(true)
		return []Event{{Type: EventPreview, Session: spec.SessionName, Index: spec.SessionIndex, Spectrum: &view}}
	}

	if !d.session.IsLoaded() {
		d.logf("dropping %s: no session loaded", spec)
		return nil
	}
	if name := d.session.Name(); spec.SessionName != name {
		d.logf("dropping %s: current session is %s", spec, name)
		return nil
	}

	// The first spectrum fixes the session's channel count, so it must match
	// the detector.
	det := d.session.Info().Detector
	if det != nil && spec.NumChannels() != det.NumChannels {
		d.logf("dropping %s: %d channels, detector %s has %d", spec, spec.NumChannels(), det.Serial, det.NumChannels)
		return nil
	}

	if rate, err := d.session.DoseRate(spec); err == nil {
		spec.SetDoseRate(rate)
	} else {
		d.logf("no dose rate for %s: %v", spec, err)
	}

	if err := d.session.Add(spec); err != nil {
		d.logf("failed to add %s: %v", spec, err)
		return nil
	}
	for _, r := range d.cfg.Recorders {
		if err := r.RecordSpectrum(msg, spec, det); err != nil {
			d.logf("failed to record %s: %v", spec, err)
		}
	}
	d.cfg.Metrics.AddRecorded()

	view := spec.View(false)
	return []Event{{Type: EventSpectrum, Session: spec.SessionName, Index: spec.SessionIndex, Spectrum: &view}}
}

func (d *Dispatcher) handleDetectorConfig(msg *protocol.Message) []Event {
	c, err := protocol.ParseDetectorConfig(msg)
	if err != nil {
		d.logf("ignoring detector config: %v", err)
		return nil
	}
	if d.detector == nil {
		d.logf("ignoring detector config: %v", ErrNoDetector)
		return nil
	}
	if d.detectorType != nil && c.DetectorType != d.detectorType.Name {
		d.logf("detector config reports type %s, selected type is %s", c.DetectorType, d.detectorType.Name)
	}

	if d.session.UsesDetector(d.detector) {
		d.session.ApplyDetectorConfig(c)
	} else {
		d.detector.ApplyConfig(c)
	}
	d.logf("detector config: %s HV %d coarse %g fine %g channels %d lld %d uld %d",
		c.DetectorType, c.Voltage, c.CoarseGain, c.FineGain, c.NumChannels, c.LLD, c.ULD)
	return one(Event{Type: EventDetectorConfig, Message: d.detector.String()})
}
