package dispatch

import (
	"errors"
	"fmt"

	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/spectrum"
)

// SessionNameLayout names sessions started without an explicit name.
const SessionNameLayout = "02012006_150405"

func (d *Dispatcher) enqueue(msg *protocol.Message) error {
	t := d.currentTransport()
	if t == nil {
		return fmt.Errorf("cannot send %s: %w", msg.Command, ErrNoTransport)
	}
	return t.Enqueue(msg)
}

// Connect asks the device to open the detector service at host:port.
func (d *Dispatcher) Connect(host string, port int) error {
	return d.enqueue(protocol.Connect("", host, port))
}

func (d *Dispatcher) Disconnect() error { return d.enqueue(protocol.Disconnect("")) }

// CloseRemote asks the device service to exit. The transport is stopped
// when close_ok arrives.
func (d *Dispatcher) CloseRemote() error { return d.enqueue(protocol.Close("")) }

// StartSession requests a new acquisition run. An empty name is replaced
// by the current time. The comment is stored with the session once the
// device confirms it.
func (d *Dispatcher) StartSession(req protocol.SessionRequest, comment string) error {
	if req.Livetime <= 0 {
		return fmt.Errorf("livetime must be positive, got %g", req.Livetime)
	}
	if req.Iterations == 0 || req.Iterations < -1 {
		return fmt.Errorf("iterations must be positive or -1, got %d", req.Iterations)
	}
	if req.Delay < 0 {
		return errors.New("delay must not be negative")
	}

	d.mu.Lock()
	if !req.Preview && d.detector == nil {
		d.mu.Unlock()
		return ErrNoDetector
	}
	if req.Name == "" {
		req.Name = d.cfg.Clock.Now().Format(SessionNameLayout)
	}
	d.request = req
	d.comment = comment
	d.mu.Unlock()

	return d.enqueue(protocol.StartSession("", req))
}

// StartPreview requests a single spectrum used to tune the detector. Preview
// spectra are merged into Preview() rather than stored.
func (d *Dispatcher) StartPreview(livetime float64) error {
	return d.StartSession(protocol.SessionRequest{
		Preview:    true,
		Iterations: 1,
		Livetime:   livetime,
	}, "")
}

func (d *Dispatcher) StopSession() error { return d.enqueue(protocol.StopSession("")) }

// SetDetectorConfig sends new high voltage, gain and discriminator settings.
// The selected detector is only updated when the device confirms them.
func (d *Dispatcher) SetDetectorConfig(c protocol.DetectorConfig) error {
	d.mu.Lock()
	if d.detector == nil {
		d.mu.Unlock()
		return ErrNoDetector
	}
	if c.DetectorType == "" && d.detectorType != nil {
		c.DetectorType = d.detectorType.Name
	}
	if c.NumChannels == 0 {
		c.NumChannels = d.detector.NumChannels
	}
	err := checkLimits(c, d.detectorType)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	return d.enqueue(protocol.SetDetectorConfig("", c))
}

func checkLimits(c protocol.DetectorConfig, typ *spectrum.DetectorType) error {
	if limit := typ.MaxNumChannels; limit > 0 && c.NumChannels > limit {
		return fmt.Errorf("%d channels exceeds the %s maximum of %d", c.NumChannels, typ.Name, limit)
	}
	if typ.MaxHV > 0 && (c.Voltage < typ.MinHV || c.Voltage > typ.MaxHV) {
		return fmt.Errorf("voltage %d outside %s range %d-%d", c.Voltage, typ.Name, typ.MinHV, typ.MaxHV)
	}
	if c.LLD > c.ULD {
		return fmt.Errorf("lld %d above uld %d", c.LLD, c.ULD)
	}
	return nil
}
