// Package testutil provides shared fixtures for tests that drive the
// dispatcher, the stores and the HTTP API with device messages.
package testutil

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/banshee-data/gamma.report/internal/calibration"
	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/spectrum"
)

// DevicePeer is the address test messages claim to come from.
const DevicePeer = "10.0.0.2"

// LinearScript is the calibration name used by Detector. It resolves to
// factor(E) = E in Loader.
const LinearScript = "NaI.poly"

// MapLoader resolves calibration names from a map.
type MapLoader map[string]calibration.Calibration

func (l MapLoader) Load(name string) (calibration.Calibration, error) {
	if c, ok := l[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", calibration.ErrScriptNotFound, name)
}

// Loader returns a MapLoader that knows LinearScript.
func Loader() MapLoader {
	return MapLoader{LinearScript: calibration.Polynomial{0, 1}}
}

// Detector returns a three channel NaI detector whose energy equals the
// channel number, and its type.
func Detector() (*spectrum.Detector, *spectrum.DetectorType) {
	return &spectrum.Detector{Serial: "SN-1", TypeName: "NaI", NumChannels: 3, HV: 700, LLD: 10, ULD: 1000, EnergyCurve: []float64{0, 1}},
		&spectrum.DetectorType{Name: "NaI", MaxNumChannels: 1024, MinHV: 500, MaxHV: 1000, GEScript: LinearScript}
}

// SpectrumMsg builds a three channel spectrum message with a 2 s livetime.
// Numeric fields are strings, as the device sends them.
func SpectrumMsg(session string, index int64, channels string) *protocol.Message {
	return protocol.New(protocol.CmdSpectrum, DevicePeer).
		SetString(protocol.KeySessionName, session).
		SetString(protocol.KeySessionIndex, fmt.Sprint(index)).
		SetString(protocol.KeyNumChannels, "3").
		SetString(protocol.KeyPreview, "0").
		SetString(protocol.KeyLivetime, "2").
		SetString(protocol.KeyChannels, channels)
}

// SessionStarted builds the device's confirmation of a 2 s, unbounded run.
func SessionStarted(name string, preview bool) *protocol.Message {
	return protocol.New(protocol.CmdStartSessionSuccess, DevicePeer).
		SetString(protocol.KeySessionName, name).
		SetBool(protocol.KeyPreview, preview).
		SetString(protocol.KeyLivetime, "2").
		SetString(protocol.KeyIterations, "-1")
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int, body string) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d (%s), want %d (%s): %s",
			got, http.StatusText(got), want, http.StatusText(want), body)
	}
}
