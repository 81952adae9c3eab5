package spectrum

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/gamma.report/internal/protocol"
)

// ChannelEnergyTolerance is how close, in keV, a channel's energy must be to
// a requested energy for ChannelFromEnergy to match it.
const ChannelEnergyTolerance = 2.0

// ErrNoEnergyCalibration means a detector has no channel-to-energy curve, so
// dose rate cannot be computed for it.
var ErrNoEnergyCalibration = errors.New("detector has no energy calibration")

// DetectorType describes a detector model and the calibration script used to
// turn photon energy into a dose factor.
type DetectorType struct {
	Name           string `json:"name" yaml:"name"`
	MaxNumChannels int    `json:"max_num_channels" yaml:"max_num_channels"`
	MinHV          int    `json:"min_hv" yaml:"min_hv"`
	MaxHV          int    `json:"max_hv" yaml:"max_hv"`
	GEScript       string `json:"ge_script" yaml:"ge_script"`
}

// Detector is one physical detector and its live acquisition settings.
// EnergyCurve holds polynomial coefficients, lowest order first, mapping a
// channel number to an energy in keV.
type Detector struct {
	Serial      string    `json:"serial" yaml:"serial"`
	TypeName    string    `json:"type_name" yaml:"type_name"`
	NumChannels int       `json:"num_channels" yaml:"num_channels"`
	HV          int       `json:"hv" yaml:"hv"`
	CoarseGain  float64   `json:"coarse_gain" yaml:"coarse_gain"`
	FineGain    float64   `json:"fine_gain" yaml:"fine_gain"`
	Livetime    float64   `json:"livetime" yaml:"livetime"`
	LLD         int       `json:"lld" yaml:"lld"`
	ULD         int       `json:"uld" yaml:"uld"`
	EnergyCurve []float64 `json:"energy_curve" yaml:"energy_curve"`
}

// Validate checks that the detector can be used for a session.
func (d *Detector) Validate() error {
	if d == nil {
		return errors.New("no detector selected")
	}
	if d.NumChannels <= 0 {
		return fmt.Errorf("detector %s: invalid channel count %d", d.Serial, d.NumChannels)
	}
	nonzero := false
	for _, c := range d.EnergyCurve {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("detector %s: non-finite energy coefficient: %w", d.Serial, ErrNoEnergyCalibration)
		}
		nonzero = nonzero || c != 0
	}
	if !nonzero {
		return fmt.Errorf("detector %s: %w", d.Serial, ErrNoEnergyCalibration)
	}
	return nil
}

// GetEnergy returns the energy in keV at the given channel.
func (d *Detector) GetEnergy(channel int) float64 {
	x := float64(channel)
	e := 0.0
	for i := len(d.EnergyCurve) - 1; i >= 0; i-- {
		e = e*x + d.EnergyCurve[i]
	}
	return e
}

// ChannelFromEnergy finds a channel in [start, end) whose energy lies within
// ChannelEnergyTolerance of energy, or -1. The energy curve is assumed to be
// increasing over the range.
func (d *Detector) ChannelFromEnergy(energy float64, start, end int) int {
	if start < 0 {
		start = 0
	}
	if end <= start {
		return -1
	}
	n := end - start
	i := start + sort.Search(n, func(i int) bool { return d.GetEnergy(start+i) >= energy })

	best, bestDiff := -1, ChannelEnergyTolerance
	for _, ch := range []int{i - 1, i} {
		if ch < start || ch >= end {
			continue
		}
		if diff := math.Abs(d.GetEnergy(ch) - energy); diff < bestDiff {
			best, bestDiff = ch, diff
		}
	}
	return best
}

// ApplyConfig copies the settings the device reported back.
func (d *Detector) ApplyConfig(c protocol.DetectorConfig) {
	d.HV = c.Voltage
	d.CoarseGain = c.CoarseGain
	d.FineGain = c.FineGain
	d.NumChannels = c.NumChannels
	d.LLD = c.LLD
	d.ULD = c.ULD
}

// Config returns the settings to send in a set_detector_config command.
func (d *Detector) Config() protocol.DetectorConfig {
	return protocol.DetectorConfig{
		DetectorType: d.TypeName,
		Voltage:      d.HV,
		CoarseGain:   d.CoarseGain,
		FineGain:     d.FineGain,
		NumChannels:  d.NumChannels,
		LLD:          d.LLD,
		ULD:          d.ULD,
	}
}

// Clone returns a deep copy of d.
func (d *Detector) Clone() *Detector {
	if d == nil {
		return nil
	}
	c := *d
	c.EnergyCurve = append([]float64(nil), d.EnergyCurve...)
	return &c
}

func (d *Detector) String() string {
	return fmt.Sprintf("%s (%s)", d.Serial, d.TypeName)
}
