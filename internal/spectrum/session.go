package spectrum

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/gamma.report/internal/calibration"
	"github.com/banshee-data/gamma.report/internal/protocol"
)

var (
	ErrNotLoaded        = errors.New("session is not loaded")
	ErrEmptySession     = errors.New("session has no spectra")
	ErrSpectrumNotFound = errors.New("spectrum not found")
	ErrNoCalibration    = errors.New("session has no calibration")
)

// CalibrationLoader resolves a detector type's calibration script name.
// *calibration.Loader satisfies it.
type CalibrationLoader interface {
	Load(name string) (calibration.Calibration, error)
}

// Info is the persisted description of a session.
type Info struct {
	Name         string        `json:"name"`
	Comment      string        `json:"comment"`
	Livetime     float64       `json:"livetime"`
	Iterations   int           `json:"iterations"`
	Detector     *Detector     `json:"detector"`
	DetectorType *DetectorType `json:"detector_type"`
}

// Session is an ordered collection of spectra from one acquisition run.
// Spectra are kept sorted by session index. All methods are safe for
// concurrent use; the zero value is an empty, unloaded session.
type Session struct {
	mu sync.RWMutex

	name       string
	comment    string
	livetime   float64
	iterations int

	detector     *Detector
	detectorType *DetectorType
	calibration  calibration.Calibration

	spectra         []*Spectrum
	numChannels     int
	maxChannelCount float64
	minChannelCount float64
	background      []float64
}

// NewSession creates a session for a new acquisition run. The detector
// type's calibration is loaded immediately and a missing script fails the
// whole construction.
func NewSession(info Info, loader CalibrationLoader) (*Session, error) {
	if info.Name == "" {
		return nil, errors.New("session name is required")
	}
	if info.Livetime <= 0 {
		return nil, fmt.Errorf("session %s: livetime must be positive, got %g", info.Name, info.Livetime)
	}
	s := &Session{
		name:       info.Name,
		comment:    info.Comment,
		livetime:   info.Livetime,
		iterations: info.Iterations,
	}
	if err := s.SetDetector(info.Detector, info.DetectorType, loader); err != nil {
		return nil, err
	}
	return s, nil
}

// SetDetector binds the session to a detector and loads its calibration.
// On error the session keeps its previous detector.
func (s *Session) SetDetector(det *Detector, typ *DetectorType, loader CalibrationLoader) error {
	if err := det.Validate(); err != nil {
		return err
	}
	if typ == nil {
		return fmt.Errorf("detector %s: no detector type", det.Serial)
	}
	if loader == nil {
		return fmt.Errorf("detector type %s: %w", typ.Name, ErrNoCalibration)
	}
	cal, err := loader.Load(typ.GEScript)
	if err != nil {
		return fmt.Errorf("failed to load calibration for detector type %s: %w", typ.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.detector = det
	s.detectorType = typ
	s.calibration = cal
	return nil
}

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) Livetime() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.livetime
}

// IsLoaded reports whether the session has a name.
func (s *Session) IsLoaded() bool { return s.Name() != "" }

// IsEmpty reports whether the session holds no spectra.
func (s *Session) IsEmpty() bool { return s.Len() == 0 }

func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.spectra)
}

func (s *Session) NumChannels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numChannels
}

func (s *Session) MaxChannelCount() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxChannelCount
}

func (s *Session) MinChannelCount() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minChannelCount
}

// Info returns the session descriptor. The detector is copied.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info()
}

func (s *Session) info() Info {
	info := Info{
		Name:       s.name,
		Comment:    s.comment,
		Livetime:   s.livetime,
		Iterations: s.iterations,
		Detector:   s.detector.Clone(),
	}
	if s.detectorType != nil {
		t := *s.detectorType
		info.DetectorType = &t
	}
	return info
}

// UsesDetector reports whether d is the detector this session references.
func (s *Session) UsesDetector(d *Detector) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return d != nil && s.detector == d
}

// ApplyDetectorConfig updates the referenced detector's live settings.
func (s *Session) ApplyDetectorConfig(c protocol.DetectorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detector != nil {
		s.detector.ApplyConfig(c)
	}
}

// Add inserts spec after the last stored spectrum with a smaller index and
// folds its max/min into the session aggregates. A spectrum whose channel
// count differs from the ones already stored is rejected. Duplicate indices
// are kept.
func (s *Session) Add(spec *Spectrum) error {
	if spec == nil {
		return errors.New("nil spectrum")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.spectra) > 0 && spec.NumChannels() != s.numChannels {
		return fmt.Errorf("failed to add %s: %w: has %d channels, session has %d", spec, ErrChannelCount, spec.NumChannels(), s.numChannels)
	}

	i := sort.Search(len(s.spectra), func(i int) bool {
		return s.spectra[i].SessionIndex > spec.SessionIndex
	})
	s.spectra = append(s.spectra, nil)
	copy(s.spectra[i+1:], s.spectra[i:])
	s.spectra[i] = spec

	if len(s.spectra) == 1 {
		s.numChannels = spec.NumChannels()
		s.maxChannelCount = spec.MaxCount()
		s.minChannelCount = spec.MinCount()
		return nil
	}
	if spec.MaxCount() > s.maxChannelCount {
		s.maxChannelCount = spec.MaxCount()
	}
	if spec.MinCount() < s.minChannelCount {
		s.minChannelCount = spec.MinCount()
	}
	return nil
}

// Indices returns the stored session indices in order.
func (s *Session) Indices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, len(s.spectra))
	for i, sp := range s.spectra {
		out[i] = sp.SessionIndex
	}
	return out
}

// Spectrum returns a copy of the first stored spectrum with the given index.
func (s *Session) Spectrum(index int) (*Spectrum, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp := s.find(index)
	if sp == nil {
		return nil, false
	}
	return sp.Clone(), true
}

func (s *Session) find(index int) *Spectrum {
	i := sort.Search(len(s.spectra), func(i int) bool { return s.spectra[i].SessionIndex >= index })
	if i < len(s.spectra) && s.spectra[i].SessionIndex == index {
		return s.spectra[i]
	}
	return nil
}

// SetBackgroundSession derives this session's background from bkg: the
// per-channel mean over bkg's spectra, scaled by the ratio of this session's
// livetime to bkg's. Passing nil clears the background. It returns false,
// leaving the background unchanged, when either session is unloaded or
// empty, bkg has no positive livetime, or the channel counts differ.
func (s *Session) SetBackgroundSession(bkg *Session) bool {
	if bkg == nil {
		s.mu.Lock()
		s.background = nil
		s.mu.Unlock()
		return true
	}

	s.mu.RLock()
	ok := s.name != "" && len(s.spectra) > 0
	target, n := s.livetime, s.numChannels
	s.mu.RUnlock()
	if !ok {
		return false
	}

	counts, ok := bkg.adjustedCounts(target)
	if !ok || len(counts) != n {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spectra) == 0 || s.numChannels != len(counts) {
		return false
	}
	s.background = counts
	return true
}

// adjustedCounts averages the stored spectra channel by channel and scales
// the result to the given livetime.
func (s *Session) adjustedCounts(livetime float64) ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.name == "" || len(s.spectra) == 0 || s.livetime <= 0 {
		return nil, false
	}

	sum := make([]float64, s.numChannels)
	for _, sp := range s.spectra {
		floats.Add(sum, sp.channels)
	}
	n := float64(len(s.spectra))
	for i := range sum {
		sum[i] /= n
	}
	floats.Scale(livetime/s.livetime, sum)
	return sum, true
}

// SetBackground installs a precomputed background. nil clears it.
func (s *Session) SetBackground(counts []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if counts == nil {
		s.background = nil
		return nil
	}
	if s.name == "" {
		return ErrNotLoaded
	}
	if len(s.spectra) == 0 {
		return ErrEmptySession
	}
	if len(counts) != s.numChannels {
		return fmt.Errorf("background: %w: has %d channels, session has %d", ErrChannelCount, len(counts), s.numChannels)
	}
	s.background = append([]float64(nil), counts...)
	return nil
}

// Background returns a copy of the background, or nil.
func (s *Session) Background() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.background == nil {
		return nil
	}
	return append([]float64(nil), s.background...)
}

// GetMaxCountInROI returns the largest per-spectrum sum over [start, end).
func (s *Session) GetMaxCountInROI(start, end int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := 0.0
	for i, sp := range s.spectra {
		if c := sp.GetCountInROI(start, end); i == 0 || c > max {
			max = c
		}
	}
	return max
}

// GetCountInBkg sums the background over [start, end). It is 0 without a
// background.
func (s *Session) GetCountInBkg(start, end int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, end = clampRange(start, end, len(s.background))
	if start >= end {
		return 0
	}
	return floats.Sum(s.background[start:end])
}

// BackgroundCorrected returns the channels of the spectrum with the given
// index minus the background. Without a background the raw channels are
// returned.
func (s *Session) BackgroundCorrected(index int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp := s.find(index)
	if sp == nil {
		return nil, fmt.Errorf("%w: %s/%d", ErrSpectrumNotFound, s.name, index)
	}
	out := sp.Channels()
	if s.background != nil {
		floats.Sub(out, s.background)
	}
	return out, nil
}

// DoseRate computes the dose rate of spec with this session's detector and
// calibration. The spectrum's own livetime is used when reported, otherwise
// the session's.
func (s *Session) DoseRate(spec *Spectrum) (float64, error) {
	s.mu.RLock()
	det, cal, livetime := s.detector, s.calibration, s.livetime
	s.mu.RUnlock()

	if cal == nil {
		return 0, ErrNoCalibration
	}
	if spec.Livetime > 0 {
		livetime = spec.Livetime
	}
	return DoseRate(spec, det, cal, livetime)
}

// Clear resets the session to the empty, unloaded state.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.name = ""
	s.comment = ""
	s.livetime = 0
	s.iterations = 0
	s.detector = nil
	s.detectorType = nil
	s.calibration = nil
	s.spectra = nil
	s.numChannels = 0
	s.maxChannelCount = 0
	s.minChannelCount = 0
	s.background = nil
}
