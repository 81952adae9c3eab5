package spectrum

import (
	"errors"
	"fmt"

	"github.com/banshee-data/gamma.report/internal/calibration"
)

// DoseRate sums count rate times calibration factor over all channels:
//
//	Σ (count_i / livetime) · Factor(E_i),  E_i = det.GetEnergy(i)
//
// Channels at or below 0 keV are skipped.
func DoseRate(spec *Spectrum, det *Detector, cal calibration.Calibration, livetime float64) (float64, error) {
	if spec == nil {
		return 0, errors.New("nil spectrum")
	}
	if cal == nil {
		return 0, ErrNoCalibration
	}
	if err := det.Validate(); err != nil {
		return 0, err
	}
	if livetime <= 0 {
		return 0, fmt.Errorf("%s: livetime must be positive, got %g", spec, livetime)
	}

	dose := 0.0
	for i, count := range spec.channels {
		if count == 0 {
			continue
		}
		e := det.GetEnergy(i)
		if e <= 0 {
			continue
		}
		f, err := cal.Factor(e)
		if err != nil {
			return 0, fmt.Errorf("%s: channel %d: %w", spec, i, err)
		}
		dose += count / livetime * f
	}
	return dose, nil
}
