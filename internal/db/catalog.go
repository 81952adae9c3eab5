package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/spectrum"
)

// ErrUnknownSession is returned when a name has no catalog row.
var ErrUnknownSession = errors.New("unknown session")

// SessionRecord is one row of the session catalog.
type SessionRecord struct {
	ID                string    `json:"session_id"`
	Name              string    `json:"name"`
	Comment           string    `json:"comment"`
	Livetime          float64   `json:"livetime"`
	Iterations        int       `json:"iterations"`
	DetectorSerial    string    `json:"detector_serial"`
	DetectorType      string    `json:"detector_type"`
	BackgroundSession string    `json:"background_session,omitempty"`
	Started           time.Time `json:"started"`
	NumSpectra        int       `json:"num_spectra"`
}

// SpectrumRecord summarises a recorded spectrum without its channel data.
type SpectrumRecord struct {
	SessionIndex   int       `json:"session_index"`
	NumChannels    int       `json:"num_channels"`
	TotalCount     float64   `json:"total_count"`
	MaxCount       float64   `json:"max_count"`
	MinCount       float64   `json:"min_count"`
	DoseRate       *float64  `json:"dose_rate,omitempty"`
	Livetime       float64   `json:"livetime"`
	LatitudeStart  float64   `json:"latitude_start"`
	LongitudeStart float64   `json:"longitude_start"`
	GPSTimeStart   string    `json:"gps_time_start,omitempty"`
	Received       time.Time `json:"received"`
}

func fromUnix(f float64) time.Time {
	return time.Unix(0, int64(f*1e9)).UTC()
}

// SaveSession inserts the session or, when the name is already catalogued,
// refreshes its descriptor while keeping the original id and start time.
func (db *DB) SaveSession(info spectrum.Info) error {
	descriptor, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", info.Name, err)
	}
	var serial, typ string
	if info.Detector != nil {
		serial = info.Detector.Serial
	}
	if info.DetectorType != nil {
		typ = info.DetectorType.Name
	}

	_, err = db.Exec(`
		INSERT INTO sessions (
			session_id, name, comment, livetime, iterations,
			detector_serial, detector_type, descriptor_json, started_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			comment = excluded.comment,
			livetime = excluded.livetime,
			iterations = excluded.iterations,
			detector_serial = excluded.detector_serial,
			detector_type = excluded.detector_type,
			descriptor_json = excluded.descriptor_json`,
		uuid.NewString(), info.Name, info.Comment, info.Livetime, info.Iterations,
		serial, typ, string(descriptor), db.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", info.Name, err)
	}
	return nil
}

func (db *DB) sessionID(name string) (string, error) {
	var id string
	err := db.QueryRow(`SELECT session_id FROM sessions WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up session %s: %w", name, err)
	}
	return id, nil
}

// RecordSpectrum stores a spectrum under its session. The session must have
// been saved first. det is unused and accepted so the catalog can stand in
// wherever a file store records spectra.
func (db *DB) RecordSpectrum(msg *protocol.Message, spec *spectrum.Spectrum, _ *spectrum.Detector) error {
	id, err := db.sessionID(spec.SessionName)
	if err != nil {
		return err
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", spec, err)
	}
	var dose sql.NullFloat64
	if rate, ok := spec.DoseRate(); ok {
		dose = sql.NullFloat64{Float64: rate, Valid: true}
	}

	_, err = db.Exec(`
		INSERT INTO spectra (
			session_id, session_index, num_channels, total_count, max_count, min_count,
			dose_rate, livetime, latitude_start, longitude_start, gps_time_start,
			payload, received_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, spec.SessionIndex, spec.NumChannels(), spec.TotalCount(), spec.MaxCount(), spec.MinCount(),
		dose, spec.Livetime, spec.LatitudeStart, spec.LongitudeStart, spec.GPSTimeStart,
		string(payload), db.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", spec, err)
	}
	return nil
}

// ListSessions returns every catalogued session, most recent first.
func (db *DB) ListSessions() ([]SessionRecord, error) {
	rows, err := db.Query(`
		SELECT s.session_id, s.name, s.comment, s.livetime, s.iterations,
			s.detector_serial, s.detector_type, s.background_session, s.started_unix,
			COUNT(sp.spectrum_id)
		FROM sessions s
		LEFT JOIN spectra sp ON sp.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_unix DESC, s.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var started float64
		if err := rows.Scan(&r.ID, &r.Name, &r.Comment, &r.Livetime, &r.Iterations,
			&r.DetectorSerial, &r.DetectorType, &r.BackgroundSession, &started, &r.NumSpectra); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		r.Started = fromUnix(started)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Spectra returns the recorded spectra of a session in index order.
func (db *DB) Spectra(name string) ([]SpectrumRecord, error) {
	id, err := db.sessionID(name)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT session_index, num_channels, total_count, max_count, min_count,
			dose_rate, livetime, latitude_start, longitude_start, gps_time_start, received_unix
		FROM spectra
		WHERE session_id = ?
		ORDER BY session_index, spectrum_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query spectra of %s: %w", name, err)
	}
	defer rows.Close()

	var out []SpectrumRecord
	for rows.Next() {
		var r SpectrumRecord
		var dose sql.NullFloat64
		var received float64
		if err := rows.Scan(&r.SessionIndex, &r.NumChannels, &r.TotalCount, &r.MaxCount, &r.MinCount,
			&dose, &r.Livetime, &r.LatitudeStart, &r.LongitudeStart, &r.GPSTimeStart, &received); err != nil {
			return nil, fmt.Errorf("failed to scan spectrum: %w", err)
		}
		if dose.Valid {
			r.DoseRate = &dose.Float64
		}
		r.Received = fromUnix(received)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Payload returns the stored message for a spectrum. When the index was
// recorded more than once the latest copy wins.
func (db *DB) Payload(name string, index int) (*protocol.Message, error) {
	id, err := db.sessionID(name)
	if err != nil {
		return nil, err
	}
	var payload string
	err = db.QueryRow(`
		SELECT payload FROM spectra
		WHERE session_id = ? AND session_index = ?
		ORDER BY spectrum_id DESC LIMIT 1`, id, index).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%d", spectrum.ErrSpectrumNotFound, name, index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read spectrum %s/%d: %w", name, index, err)
	}
	return protocol.Decode([]byte(payload), "")
}

// SetBackgroundSession records which session was subtracted as background
// from name. An empty bkg clears it.
func (db *DB) SetBackgroundSession(name, bkg string) error {
	res, err := db.Exec(`UPDATE sessions SET background_session = ? WHERE name = ?`, bkg, name)
	if err != nil {
		return fmt.Errorf("failed to set background of %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return nil
}

// DeleteSession removes a session and its spectra.
func (db *DB) DeleteSession(name string) error {
	res, err := db.Exec(`DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return nil
}
