package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/gamma.report/internal/network"
	"github.com/banshee-data/gamma.report/internal/spectrum"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Settings is the client configuration. Optional scalars are pointers so a
// partial file keeps the defaults returned by the Get* methods.
type Settings struct {
	// Transport. Durations are strings like "10ms".
	BindAddress      string  `json:"bind_address,omitempty" yaml:"bind_address,omitempty"`
	PeerAddress      string  `json:"peer_address,omitempty" yaml:"peer_address,omitempty"`
	ServicePort      *int    `json:"service_port,omitempty" yaml:"service_port,omitempty"`
	RecvTimeout      *string `json:"recv_timeout,omitempty" yaml:"recv_timeout,omitempty"`
	PollInterval     *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	DispatchInterval *string `json:"dispatch_interval,omitempty" yaml:"dispatch_interval,omitempty"`
	MaxPayloadBytes  *int    `json:"max_payload_bytes,omitempty" yaml:"max_payload_bytes,omitempty"`

	// Remote detector service opened by the connect command
	ConnectHost string `json:"connect_host,omitempty" yaml:"connect_host,omitempty"`
	ConnectPort *int   `json:"connect_port,omitempty" yaml:"connect_port,omitempty"`

	// Storage
	SessionRootDirectory string `json:"session_root_directory,omitempty" yaml:"session_root_directory,omitempty"`
	GEScriptDirectory    string `json:"ge_script_directory,omitempty" yaml:"ge_script_directory,omitempty"`
	NuclideLibraryFile   string `json:"nuclide_library_file,omitempty" yaml:"nuclide_library_file,omitempty"`
	StoreCHN             *bool  `json:"store_chn,omitempty" yaml:"store_chn,omitempty"`
	DatabasePath         string `json:"database_path,omitempty" yaml:"database_path,omitempty"`

	HTTPListen string `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`

	// Detectors
	SelectedDetector string                  `json:"selected_detector,omitempty" yaml:"selected_detector,omitempty"`
	DetectorTypes    []spectrum.DetectorType `json:"detector_types,omitempty" yaml:"detector_types,omitempty"`
	Detectors        []spectrum.Detector     `json:"detectors,omitempty" yaml:"detectors,omitempty"`
}

// Load reads settings from a .json, .yaml or .yml file and validates them.
func Load(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	s := &Settings{}
	if ext == ".json" {
		err = json.Unmarshal(data, s)
	} else {
		err = yaml.Unmarshal(data, s)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// Validate checks the values that are set.
func (s *Settings) Validate() error {
	if s.ServicePort != nil && (*s.ServicePort <= 0 || *s.ServicePort > 65535) {
		return fmt.Errorf("service_port must be between 1 and 65535, got %d", *s.ServicePort)
	}
	if s.ConnectPort != nil && (*s.ConnectPort <= 0 || *s.ConnectPort > 65535) {
		return fmt.Errorf("connect_port must be between 1 and 65535, got %d", *s.ConnectPort)
	}
	if s.MaxPayloadBytes != nil && (*s.MaxPayloadBytes <= 0 || *s.MaxPayloadBytes > network.DefaultMaxPayload) {
		return fmt.Errorf("max_payload_bytes must be between 1 and %d, got %d", network.DefaultMaxPayload, *s.MaxPayloadBytes)
	}
	durations := map[string]*string{
		"recv_timeout":      s.RecvTimeout,
		"poll_interval":     s.PollInterval,
		"dispatch_interval": s.DispatchInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	types := make(map[string]spectrum.DetectorType, len(s.DetectorTypes))
	for _, t := range s.DetectorTypes {
		if t.Name == "" {
			return errors.New("detector type without a name")
		}
		if _, dup := types[t.Name]; dup {
			return fmt.Errorf("duplicate detector type %s", t.Name)
		}
		if t.MaxHV < t.MinHV {
			return fmt.Errorf("detector type %s: max_hv %d below min_hv %d", t.Name, t.MaxHV, t.MinHV)
		}
		types[t.Name] = t
	}
	serials := make(map[string]bool, len(s.Detectors))
	for _, d := range s.Detectors {
		if d.Serial == "" {
			return errors.New("detector without a serial")
		}
		if serials[d.Serial] {
			return fmt.Errorf("duplicate detector %s", d.Serial)
		}
		serials[d.Serial] = true
		t, ok := types[d.TypeName]
		if !ok {
			return fmt.Errorf("detector %s: unknown detector type %q", d.Serial, d.TypeName)
		}
		if t.MaxNumChannels > 0 && d.NumChannels > t.MaxNumChannels {
			return fmt.Errorf("detector %s: %d channels exceeds %s maximum %d", d.Serial, d.NumChannels, t.Name, t.MaxNumChannels)
		}
	}
	if s.SelectedDetector != "" && !serials[s.SelectedDetector] {
		return fmt.Errorf("selected_detector %q is not configured", s.SelectedDetector)
	}
	return nil
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (s *Settings) GetPeerAddress() string {
	if s.PeerAddress == "" {
		return "127.0.0.1"
	}
	return s.PeerAddress
}

func (s *Settings) GetServicePort() int {
	if s.ServicePort == nil {
		return network.DefaultServicePort
	}
	return *s.ServicePort
}

func (s *Settings) GetRecvTimeout() time.Duration {
	return parseDuration(s.RecvTimeout, network.DefaultRecvTimeout)
}

func (s *Settings) GetPollInterval() time.Duration {
	return parseDuration(s.PollInterval, network.DefaultPollInterval)
}

// GetDispatchInterval is the period at which the inbound queue is drained.
func (s *Settings) GetDispatchInterval() time.Duration {
	return parseDuration(s.DispatchInterval, 10*time.Millisecond)
}

func (s *Settings) GetMaxPayloadBytes() int {
	if s.MaxPayloadBytes == nil {
		return network.DefaultMaxPayload
	}
	return *s.MaxPayloadBytes
}

// GetConnectAddress returns the host and port sent with the connect command.
// The host defaults to the peer address.
func (s *Settings) GetConnectAddress() (string, int) {
	host := s.ConnectHost
	if host == "" {
		host = s.GetPeerAddress()
	}
	port := 4000
	if s.ConnectPort != nil {
		port = *s.ConnectPort
	}
	return host, port
}

func (s *Settings) GetSessionRootDirectory() string {
	if s.SessionRootDirectory == "" {
		return "sessions"
	}
	return s.SessionRootDirectory
}

func (s *Settings) GetGEScriptDirectory() string {
	if s.GEScriptDirectory == "" {
		return "ge-scripts"
	}
	return s.GEScriptDirectory
}

func (s *Settings) GetStoreCHN() bool {
	if s.StoreCHN == nil {
		return false
	}
	return *s.StoreCHN
}

func (s *Settings) GetDatabasePath() string {
	if s.DatabasePath == "" {
		return "gamma.db"
	}
	return s.DatabasePath
}

func (s *Settings) GetHTTPListen() string {
	if s.HTTPListen == "" {
		return ":8080"
	}
	return s.HTTPListen
}

// LinkConfig builds the transport configuration. Policy, Stats and Clock are
// left for the caller.
func (s *Settings) LinkConfig() network.LinkConfig {
	return network.LinkConfig{
		BindAddress: s.BindAddress,
		PeerAddress: s.GetPeerAddress(),
		Worker: network.WorkerConfig{
			ServicePort:  s.GetServicePort(),
			RecvTimeout:  s.GetRecvTimeout(),
			PollInterval: s.GetPollInterval(),
			MaxPayload:   s.GetMaxPayloadBytes(),
		},
	}
}

// PeerEndpoint is the device's host:port, used in log lines.
func (s *Settings) PeerEndpoint() string {
	return net.JoinHostPort(s.GetPeerAddress(), strconv.Itoa(s.GetServicePort()))
}

// Detector returns copies of the detector with the given serial and its type.
func (s *Settings) Detector(serial string) (*spectrum.Detector, *spectrum.DetectorType, error) {
	for i := range s.Detectors {
		d := s.Detectors[i]
		if d.Serial != serial {
			continue
		}
		for j := range s.DetectorTypes {
			if s.DetectorTypes[j].Name == d.TypeName {
				t := s.DetectorTypes[j]
				return d.Clone(), &t, nil
			}
		}
		return nil, nil, fmt.Errorf("detector %s: unknown detector type %q", serial, d.TypeName)
	}
	return nil, nil, fmt.Errorf("detector %q is not configured", serial)
}
