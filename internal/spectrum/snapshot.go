package spectrum

// View is a JSON friendly copy of a spectrum. Channels is omitted from
// session listings.
type View struct {
	SessionName    string    `json:"session_name"`
	SessionIndex   int       `json:"session_index"`
	Label          string    `json:"label"`
	Preview        bool      `json:"preview"`
	NumChannels    int       `json:"num_channels"`
	TotalCount     float64   `json:"total_count"`
	MaxCount       float64   `json:"max_count"`
	MinCount       float64   `json:"min_count"`
	DoseRate       *float64  `json:"dose_rate,omitempty"`
	Livetime       float64   `json:"livetime,omitempty"`
	Realtime       float64   `json:"realtime,omitempty"`
	LatitudeStart  float64   `json:"latitude_start"`
	LongitudeStart float64   `json:"longitude_start"`
	AltitudeStart  float64   `json:"altitude_start"`
	LatitudeEnd    float64   `json:"latitude_end"`
	LongitudeEnd   float64   `json:"longitude_end"`
	AltitudeEnd    float64   `json:"altitude_end"`
	GPSTimeStart   string    `json:"gps_time_start,omitempty"`
	GPSTimeEnd     string    `json:"gps_time_end,omitempty"`
	Channels       []float64 `json:"channels,omitempty"`
}

// View copies s. Channels are included when withChannels is set.
func (s *Spectrum) View(withChannels bool) View {
	v := View{
		SessionName:    s.SessionName,
		SessionIndex:   s.SessionIndex,
		Label:          s.Label,
		Preview:        s.IsPreview,
		NumChannels:    s.NumChannels(),
		TotalCount:     s.totalCount,
		MaxCount:       s.maxCount,
		MinCount:       s.minCount,
		Livetime:       s.Livetime,
		Realtime:       s.Realtime,
		LatitudeStart:  s.LatitudeStart,
		LongitudeStart: s.LongitudeStart,
		AltitudeStart:  s.AltitudeStart,
		LatitudeEnd:    s.LatitudeEnd,
		LongitudeEnd:   s.LongitudeEnd,
		AltitudeEnd:    s.AltitudeEnd,
		GPSTimeStart:   s.GPSTimeStart,
		GPSTimeEnd:     s.GPSTimeEnd,
	}
	if s.hasDoseRate {
		d := s.doseRate
		v.DoseRate = &d
	}
	if withChannels {
		v.Channels = s.Channels()
	}
	return v
}

// Snapshot is an immutable copy of a session for display.
type Snapshot struct {
	Info
	Loaded          bool      `json:"loaded"`
	NumChannels     int       `json:"num_channels"`
	MaxChannelCount float64   `json:"max_channel_count"`
	MinChannelCount float64   `json:"min_channel_count"`
	Spectra         []View    `json:"spectra"`
	Background      []float64 `json:"background,omitempty"`
}

// Snapshot copies the session state. Spectra are listed without channels.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Info:            s.info(),
		Loaded:          s.name != "",
		NumChannels:     s.numChannels,
		MaxChannelCount: s.maxChannelCount,
		MinChannelCount: s.minChannelCount,
		Spectra:         make([]View, len(s.spectra)),
	}
	for i, sp := range s.spectra {
		snap.Spectra[i] = sp.View(false)
	}
	if s.background != nil {
		snap.Background = append([]float64(nil), s.background...)
	}
	return snap
}
