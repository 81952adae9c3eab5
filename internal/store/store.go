// Package store persists sessions as a directory tree:
//
//	<root>/<session>/session.json     session descriptor
//	<root>/<session>/json/<index>.json raw spectrum message
//	<root>/<session>/chn/<index>.chn   optional ORTEC CHN export
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/gamma.report/internal/fsutil"
	"github.com/banshee-data/gamma.report/internal/monitoring"
	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/security"
	"github.com/banshee-data/gamma.report/internal/spectrum"
	"github.com/banshee-data/gamma.report/internal/timeutil"
)

const (
	DescriptorFile = "session.json"
	RecordDir      = "json"
	CHNDir         = "chn"
)

// ErrInvalidSessionName rejects session names that are not a single path element.
var ErrInvalidSessionName = errors.New("invalid session name")

// FileStore writes session descriptors and spectrum records under Root.
type FileStore struct {
	FS   fsutil.FileSystem
	Root string
	// StoreCHN also writes each spectrum as a CHN file.
	StoreCHN bool
	Clock    timeutil.Clock
}

func NewFileStore(fsys fsutil.FileSystem, root string) *FileStore {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &FileStore{FS: fsys, Root: root, Clock: timeutil.RealClock{}}
}

// SessionDir returns the directory for the named session.
func (s *FileStore) SessionDir(name string) (string, error) {
	if err := security.ValidateRelativeName(name); err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidSessionName, name, err)
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w %q: contains a path separator", ErrInvalidSessionName, name)
	}
	return filepath.Join(s.Root, name), nil
}

// SaveSession writes the session descriptor, creating the session directory.
func (s *FileStore) SaveSession(info spectrum.Info) error {
	dir, err := s.SessionDir(info.Name)
	if err != nil {
		return err
	}
	if err := s.FS.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", info.Name, err)
	}
	path := filepath.Join(dir, DescriptorFile)
	if err := s.FS.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// RecordSpectrum stores the raw spectrum message as json/<index>.json and,
// when StoreCHN is set, a CHN export. det may be nil.
func (s *FileStore) RecordSpectrum(msg *protocol.Message, spec *spectrum.Spectrum, det *spectrum.Detector) error {
	dir, err := s.SessionDir(spec.SessionName)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", spec, err)
	}

	name := strconv.Itoa(spec.SessionIndex)
	jsonDir := filepath.Join(dir, RecordDir)
	if err := s.FS.MkdirAll(jsonDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", jsonDir, err)
	}
	path := filepath.Join(jsonDir, name+".json")
	if err := s.FS.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if !s.StoreCHN {
		return nil
	}
	chnDir := filepath.Join(dir, CHNDir)
	if err := s.FS.MkdirAll(chnDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", chnDir, err)
	}
	var buf bytes.Buffer
	if err := WriteCHN(&buf, spec, det, s.startTime(spec)); err != nil {
		return fmt.Errorf("failed to export %s: %w", spec, err)
	}
	path = filepath.Join(chnDir, name+".chn")
	if err := s.FS.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// startTime uses the GPS start time when it parses, otherwise the clock.
func (s *FileStore) startTime(spec *spectrum.Spectrum) time.Time {
	if t, err := time.Parse(time.RFC3339, spec.GPSTimeStart); err == nil {
		return t
	}
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

// ListSessions returns the names of directories under Root that hold a
// session descriptor.
func (s *FileStore) ListSessions() ([]string, error) {
	entries, err := s.FS.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", s.Root, err)
	}
	var names []string
	for _, e := range entries {
		if s.FS.Exists(filepath.Join(s.Root, e, DescriptorFile)) {
			names = append(names, e)
		}
	}
	return names, nil
}

// ReadInfo reads a session descriptor.
func (s *FileStore) ReadInfo(name string) (spectrum.Info, error) {
	var info spectrum.Info
	dir, err := s.SessionDir(name)
	if err != nil {
		return info, err
	}
	path := filepath.Join(dir, DescriptorFile)
	data, err := s.FS.ReadFile(path)
	if err != nil {
		return info, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return info, nil
}

// LoadSession rebuilds a session from its directory. Records are added in
// index order and their dose rates recomputed. Unreadable records are logged
// and skipped.
func (s *FileStore) LoadSession(name string, loader spectrum.CalibrationLoader) (*spectrum.Session, error) {
	info, err := s.ReadInfo(name)
	if err != nil {
		return nil, err
	}
	sess, err := spectrum.NewSession(info, loader)
	if err != nil {
		return nil, fmt.Errorf("failed to restore session %s: %w", name, err)
	}

	dir, _ := s.SessionDir(name)
	jsonDir := filepath.Join(dir, RecordDir)
	entries, err := s.FS.ReadDir(jsonDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sess, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", jsonDir, err)
	}

	var spectra []*spectrum.Spectrum
	for _, e := range entries {
		if filepath.Ext(e) != ".json" {
			continue
		}
		path := filepath.Join(jsonDir, e)
		spec, err := s.readRecord(path)
		if err != nil {
			monitoring.Logf("store: skipping %s: %v", path, err)
			continue
		}
		spectra = append(spectra, spec)
	}
	sort.SliceStable(spectra, func(i, j int) bool { return spectra[i].SessionIndex < spectra[j].SessionIndex })

	for _, spec := range spectra {
		if dose, err := sess.DoseRate(spec); err == nil {
			spec.SetDoseRate(dose)
		} else {
			monitoring.Logf("store: no dose rate for %s: %v", spec, err)
		}
		if err := sess.Add(spec); err != nil {
			monitoring.Logf("store: skipping %s: %v", spec, err)
		}
	}
	return sess, nil
}

func (s *FileStore) readRecord(path string) (*spectrum.Spectrum, error) {
	data, err := s.FS.ReadFile(path)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Decode(data, "")
	if err != nil {
		return nil, err
	}
	return spectrum.FromMessage(msg)
}

// DeleteSession removes a session directory and everything in it.
func (s *FileStore) DeleteSession(name string) error {
	dir, err := s.SessionDir(name)
	if err != nil {
		return err
	}
	if !s.FS.Exists(dir) {
		return fmt.Errorf("session %s: %w", name, fs.ErrNotExist)
	}
	return s.FS.RemoveAll(dir)
}
