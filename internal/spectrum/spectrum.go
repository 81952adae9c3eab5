// Package spectrum holds the acquisition data model: individual spectra,
// the session that collects them, and the detector settings they were
// captured with.
package spectrum

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/gamma.report/internal/protocol"
)

var (
	// ErrChannelCount is returned when channel data does not match the
	// declared or expected channel count.
	ErrChannelCount = errors.New("channel count mismatch")
	// ErrInvalidChannel is returned for a channel value that is not a finite number.
	ErrInvalidChannel = errors.New("invalid channel value")
)

// ParseError reports a spectrum message that could not be turned into a
// Spectrum. Channel is -1 unless a specific channel was at fault.
type ParseError struct {
	Session string
	Index   int
	Field   string
	Channel int
	Err     error
}

func (e *ParseError) Error() string {
	if e.Channel >= 0 {
		return fmt.Sprintf("spectrum %s/%d: %s[%d]: %v", e.Session, e.Index, e.Field, e.Channel, e.Err)
	}
	return fmt.Sprintf("spectrum %s/%d: %s: %v", e.Session, e.Index, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Spectrum is a single acquisition. Channel data is fixed at construction;
// only Merge and SetDoseRate change it afterwards.
type Spectrum struct {
	SessionName  string
	SessionIndex int
	Label        string
	IsPreview    bool

	LatitudeStart  float64
	LongitudeStart float64
	AltitudeStart  float64
	LatitudeEnd    float64
	LongitudeEnd   float64
	AltitudeEnd    float64
	GPSTimeStart   string
	GPSTimeEnd     string

	// Livetime and Realtime are in seconds; zero when the device did not report them.
	Livetime float64
	Realtime float64

	channels   []float64
	maxCount   float64
	minCount   float64
	totalCount float64

	doseRate    float64
	hasDoseRate bool
}

// New builds a spectrum from raw channel counts.
func New(sessionName string, index int, channels []float64) *Spectrum {
	s := &Spectrum{
		SessionName:  sessionName,
		SessionIndex: index,
		Label:        label(index),
		channels:     append([]float64(nil), channels...),
	}
	s.aggregate()
	return s
}

func label(index int) string { return "Spectrum " + strconv.Itoa(index) }

// FromMessage parses a spectrum message. Session name, index, channel count
// and channels are required; position, timing and the preview flag are
// optional.
func FromMessage(m *protocol.Message) (*Spectrum, error) {
	name, err := m.GetString(protocol.KeySessionName)
	if err != nil {
		return nil, err
	}
	index, err := m.GetInt(protocol.KeySessionIndex)
	if err != nil {
		return nil, err
	}
	numChannels, err := m.GetInt(protocol.KeyNumChannels)
	if err != nil {
		return nil, err
	}
	raw, err := m.GetString(protocol.KeyChannels)
	if err != nil {
		return nil, err
	}

	perr := func(field string, ch int, err error) error {
		return &ParseError{Session: name, Index: int(index), Field: field, Channel: ch, Err: err}
	}
	if numChannels < 0 {
		return nil, perr(protocol.KeyNumChannels, -1, fmt.Errorf("negative value %d", numChannels))
	}

	fields := strings.Fields(raw)
	if int64(len(fields)) != numChannels {
		return nil, perr(protocol.KeyChannels, -1, fmt.Errorf("%w: got %d values, num_channels is %d", ErrChannelCount, len(fields), numChannels))
	}
	channels := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, perr(protocol.KeyChannels, i, fmt.Errorf("%w %q", ErrInvalidChannel, f))
		}
		channels[i] = v
	}

	s := New(name, int(index), channels)
	if m.Has(protocol.KeyPreview) {
		if s.IsPreview, err = m.GetBool(protocol.KeyPreview); err != nil {
			return nil, err
		}
	}
	s.LatitudeStart = m.FloatOr(protocol.KeyLatitudeStart, 0)
	s.LongitudeStart = m.FloatOr(protocol.KeyLongitudeStart, 0)
	s.AltitudeStart = m.FloatOr(protocol.KeyAltitudeStart, 0)
	s.LatitudeEnd = m.FloatOr(protocol.KeyLatitudeEnd, 0)
	s.LongitudeEnd = m.FloatOr(protocol.KeyLongitudeEnd, 0)
	s.AltitudeEnd = m.FloatOr(protocol.KeyAltitudeEnd, 0)
	s.GPSTimeStart = m.StringOr(protocol.KeyGPSTimeStart, "")
	s.GPSTimeEnd = m.StringOr(protocol.KeyGPSTimeEnd, "")
	s.Livetime = m.FloatOr(protocol.KeyLivetime, 0)
	s.Realtime = m.FloatOr(protocol.KeyRealtime, 0)
	return s, nil
}

// aggregate recomputes max, min and total. Max and min start from the first
// channel so all-positive and negative data are both represented.
func (s *Spectrum) aggregate() {
	if len(s.channels) == 0 {
		s.maxCount, s.minCount, s.totalCount = 0, 0, 0
		return
	}
	s.maxCount = floats.Max(s.channels)
	s.minCount = floats.Min(s.channels)
	s.totalCount = floats.Sum(s.channels)
}

func (s *Spectrum) NumChannels() int      { return len(s.channels) }
func (s *Spectrum) MaxCount() float64     { return s.maxCount }
func (s *Spectrum) MinCount() float64     { return s.minCount }
func (s *Spectrum) TotalCount() float64   { return s.totalCount }
func (s *Spectrum) Channel(i int) float64 { return s.channels[i] }

// Channels returns a copy of the channel counts.
func (s *Spectrum) Channels() []float64 {
	return append([]float64(nil), s.channels...)
}

// GetCountInROI sums the channels in [start, end). The range is clamped to
// the spectrum.
func (s *Spectrum) GetCountInROI(start, end int) float64 {
	start, end = clampRange(start, end, len(s.channels))
	if start >= end {
		return 0
	}
	return floats.Sum(s.channels[start:end])
}

// Merge adds other's counts channel by channel. Preview acquisitions are
// accumulated this way. Livetime and realtime are summed as well.
func (s *Spectrum) Merge(other *Spectrum) error {
	if other == nil {
		return nil
	}
	if len(other.channels) != len(s.channels) {
		return fmt.Errorf("failed to merge %s into %s: %w (%d vs %d)", other, s, ErrChannelCount, len(other.channels), len(s.channels))
	}
	floats.Add(s.channels, other.channels)
	s.Livetime += other.Livetime
	s.Realtime += other.Realtime
	s.aggregate()
	s.hasDoseRate = false
	return nil
}

// DoseRate returns the dose rate and whether it has been set.
func (s *Spectrum) DoseRate() (float64, bool) { return s.doseRate, s.hasDoseRate }

func (s *Spectrum) SetDoseRate(rate float64) {
	s.doseRate = rate
	s.hasDoseRate = true
}

// Clone returns a deep copy of s.
func (s *Spectrum) Clone() *Spectrum {
	c := *s
	c.channels = append([]float64(nil), s.channels...)
	return &c
}

func (s *Spectrum) String() string {
	return s.SessionName + " - " + strconv.Itoa(s.SessionIndex)
}

func clampRange(start, end, n int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	return start, end
}
