// Package calibration converts photon energy into a dose conversion factor
// (the detector's GE factor). Detector types name an external script that
// defines the curve; Loader turns that name into a Calibration.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrScriptNotFound means a detector type references a calibration
	// that does not exist. Sessions cannot be created without one.
	ErrScriptNotFound = errors.New("calibration script not found")
	// ErrInvalidScriptName rejects names that could escape the script directory.
	ErrInvalidScriptName = errors.New("invalid calibration script name")
	// ErrMissingFunction means a script did not define GEFactor.
	ErrMissingFunction = errors.New("calibration script does not define " + ScriptFunction)
	// ErrNonFinite is returned when a calibration yields NaN or ±Inf.
	ErrNonFinite = errors.New("calibration produced a non-finite factor")
)

// Calibration maps an energy in keV to a dose conversion factor.
type Calibration interface {
	Factor(energy float64) (float64, error)
}

// Func adapts a plain function to Calibration.
type Func func(energy float64) float64

func (f Func) Factor(energy float64) (float64, error) {
	return finite(f(energy), energy)
}

// Polynomial evaluates c[0] + c[1]·E + c[2]·E² + ...
type Polynomial []float64

func (p Polynomial) Factor(energy float64) (float64, error) {
	v := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		v = v*energy + p[i]
	}
	return finite(v, energy)
}

// ParsePolynomial reads whitespace or comma separated coefficients, lowest
// order first. Lines starting with # are ignored.
func ParsePolynomial(src string) (Polynomial, error) {
	var p Polynomial
	for n, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			c, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid coefficient %q: %w", n+1, field, err)
			}
			p = append(p, c)
		}
	}
	if len(p) == 0 {
		return nil, errors.New("polynomial has no coefficients")
	}
	return p, nil
}

func finite(v, energy float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w at %g keV", ErrNonFinite, energy)
	}
	return v, nil
}
