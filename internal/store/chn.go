package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/gamma.report/internal/spectrum"
)

// ORTEC CHN layout constants.
const (
	chnFormat        int16 = -1
	chnTrailerFormat int16 = -102
	chnTicksPerSec         = 50 // live and real time are stored in 20 ms ticks
	chnDescLen             = 63
)

// WriteCHN writes spec as an ORTEC CHN file: a 32 byte header, one uint32
// count per channel and a 512 byte trailer holding the energy calibration
// and detector description. Counts are rounded and clamped to uint32.
func WriteCHN(w io.Writer, spec *spectrum.Spectrum, det *spectrum.Detector, start time.Time) error {
	n := spec.NumChannels()
	if n > math.MaxUint16 {
		return fmt.Errorf("chn: %d channels exceeds format limit", n)
	}

	var buf bytes.Buffer
	le := binary.LittleEndian

	// header
	_ = binary.Write(&buf, le, chnFormat)
	_ = binary.Write(&buf, le, uint16(0)) // MCA number
	_ = binary.Write(&buf, le, uint16(1)) // segment
	buf.WriteString(fmt.Sprintf("%02d", start.Second()))
	_ = binary.Write(&buf, le, uint32(math.Round(spec.Realtime*chnTicksPerSec)))
	_ = binary.Write(&buf, le, uint32(math.Round(spec.Livetime*chnTicksPerSec)))
	century := "0"
	if start.Year() >= 2000 {
		century = "1"
	}
	buf.WriteString(strings.ToUpper(start.Format("02Jan06")) + century)
	buf.WriteString(start.Format("1504"))
	_ = binary.Write(&buf, le, uint16(0)) // channel offset
	_ = binary.Write(&buf, le, uint16(n))

	for i := 0; i < n; i++ {
		_ = binary.Write(&buf, le, clampCount(spec.Channel(i)))
	}

	// trailer
	trailer := make([]byte, 512)
	trailerFormat := chnTrailerFormat
	le.PutUint16(trailer[0:], uint16(trailerFormat))
	var curve [3]float32
	if det != nil {
		for i := 0; i < len(curve) && i < len(det.EnergyCurve); i++ {
			curve[i] = float32(det.EnergyCurve[i])
		}
	}
	for i, c := range curve {
		le.PutUint32(trailer[4+4*i:], math.Float32bits(c))
	}
	// FWHM calibration (bytes 16..27) and reserved space are left zero.
	desc := ""
	if det != nil {
		desc = det.String()
	}
	putDescription(trailer[256:320], desc)
	putDescription(trailer[320:384], spec.String())
	buf.Write(trailer)

	_, err := w.Write(buf.Bytes())
	return err
}

func clampCount(v float64) uint32 {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(math.Round(v))
	}
}

// putDescription writes a length-prefixed ASCII string into a 64 byte field.
func putDescription(dst []byte, s string) {
	if len(s) > chnDescLen {
		s = s[:chnDescLen]
	}
	dst[0] = byte(len(s))
	copy(dst[1:], s)
}
