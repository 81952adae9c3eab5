package spectrum

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrUnknownNuclide is returned by Library lookups for names not in the library.
var ErrUnknownNuclide = errors.New("unknown nuclide")

// Line is one gamma emission of a nuclide.
type Line struct {
	Energy      float64 `json:"energy"`
	Probability float64 `json:"probability"`
}

// Nuclide is a library entry. Lines are sorted by descending probability.
type Nuclide struct {
	Name         string  `json:"name"`
	HalfLife     float64 `json:"half_life"`
	HalfLifeUnit string  `json:"half_life_unit"`
	Lines        []Line  `json:"lines"`
}

// Library is a nuclide library keyed by name.
type Library struct {
	nuclides map[string]Nuclide
}

// ParseLibrary reads a nuclide library. Each non-comment line is
//
//	<name> <half-life> <unit> <energy>:<probability> ...
//
// with energies in keV. Blank lines and lines starting with # are skipped.
func ParseLibrary(r io.Reader) (*Library, error) {
	lib := &Library{nuclides: make(map[string]Nuclide)}
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("nuclide library line %d: want name, half-life, unit and at least one line, got %d fields", n, len(fields))
		}
		hl, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("nuclide library line %d: invalid half-life %q: %w", n, fields[1], err)
		}
		nuc := Nuclide{Name: fields[0], HalfLife: hl, HalfLifeUnit: fields[2]}
		for _, f := range fields[3:] {
			e, p, ok := strings.Cut(f, ":")
			if !ok {
				return nil, fmt.Errorf("nuclide library line %d: emission %q is not energy:probability", n, f)
			}
			energy, err := strconv.ParseFloat(e, 64)
			if err != nil {
				return nil, fmt.Errorf("nuclide library line %d: invalid energy %q: %w", n, e, err)
			}
			prob, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("nuclide library line %d: invalid probability %q: %w", n, p, err)
			}
			nuc.Lines = append(nuc.Lines, Line{Energy: energy, Probability: prob})
		}
		sort.SliceStable(nuc.Lines, func(i, j int) bool { return nuc.Lines[i].Probability > nuc.Lines[j].Probability })
		lib.nuclides[nuc.Name] = nuc
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read nuclide library: %w", err)
	}
	return lib, nil
}

func (l *Library) Len() int { return len(l.nuclides) }

// Names returns the nuclide names in sorted order.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.nuclides))
	for n := range l.nuclides {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l *Library) Lookup(name string) (Nuclide, error) {
	n, ok := l.nuclides[name]
	if !ok {
		return Nuclide{}, fmt.Errorf("%w: %s", ErrUnknownNuclide, name)
	}
	return n, nil
}

// ROI returns the channel range [start, end) covering the strongest line of
// the named nuclide ± halfWidth keV on the given detector.
func (l *Library) ROI(name string, det *Detector, halfWidth float64) (int, int, error) {
	nuc, err := l.Lookup(name)
	if err != nil {
		return 0, 0, err
	}
	if len(nuc.Lines) == 0 {
		return 0, 0, fmt.Errorf("nuclide %s has no emission lines", name)
	}
	e := nuc.Lines[0].Energy
	start := det.ChannelFromEnergy(e-halfWidth, 0, det.NumChannels)
	end := det.ChannelFromEnergy(e+halfWidth, 0, det.NumChannels)
	if start < 0 || end < 0 {
		return 0, 0, fmt.Errorf("nuclide %s: %.1f keV ± %.1f is outside the range of detector %s", name, e, halfWidth, det.Serial)
	}
	return start, end + 1, nil
}
