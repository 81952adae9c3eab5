package protocol

// Commands sent to the acquisition device.
const (
	CmdConnect           = "connect"
	CmdDisconnect        = "disconnect"
	CmdClose             = "close"
	CmdStartSession      = "start_session"
	CmdStopSession       = "stop_session"
	CmdSetDetectorConfig = "set_detector_config"
)

// Commands received from the acquisition device.
const (
	CmdConnectOK             = "connect_ok"
	CmdConnectFailed         = "connect_failed"
	CmdDisconnectOK          = "disconnect_ok"
	CmdCloseOK               = "close_ok"
	CmdStartSessionSuccess   = "start_session_success"
	CmdStartSessionError     = "start_session_error"
	CmdStopSessionSuccess    = "stop_session_success"
	CmdStopSessionError      = "stop_session_error"
	CmdSessionFinished       = "session_finished"
	CmdDetectorConfigSuccess = "detector_config_success"
	CmdSpectrum              = "spectrum"
	CmdError                 = "error"
	CmdErrorSocket           = "error_socket"
)

// Parameter keys shared by several commands.
const (
	KeyHost         = "host"
	KeyPort         = "port"
	KeyMessage      = "message"
	KeySessionName  = "session_name"
	KeySessionIndex = "session_index"
	KeyPreview      = "preview"
	KeyIterations   = "iterations"
	KeyLivetime     = "livetime"
	KeyRealtime     = "realtime"
	KeyDelay        = "delay"
	KeyNumChannels  = "num_channels"
	KeyChannels     = "channels"
	KeyDetectorType = "detector_type"
	KeyVoltage      = "voltage"
	KeyCoarseGain   = "coarse_gain"
	KeyFineGain     = "fine_gain"
	KeyLLD          = "lld"
	KeyULD          = "uld"
	KeyErrorCode    = "error_code"
)

// Position and timing keys carried by spectrum messages.
const (
	KeyLatitudeStart  = "latitude_start"
	KeyLongitudeStart = "longitude_start"
	KeyAltitudeStart  = "altitude_start"
	KeyLatitudeEnd    = "latitude_end"
	KeyLongitudeEnd   = "longitude_end"
	KeyAltitudeEnd    = "altitude_end"
	KeyGPSTimeStart   = "gps_time_start"
	KeyGPSTimeEnd     = "gps_time_end"
)

// Connect asks the device to open its detector at host:port.
func Connect(peer, host string, port int) *Message {
	return New(CmdConnect, peer).
		SetString(KeyHost, host).
		SetInt(KeyPort, int64(port))
}

func Disconnect(peer string) *Message { return New(CmdDisconnect, peer) }

// Close asks the device service to shut down.
func Close(peer string) *Message { return New(CmdClose, peer) }

// SessionRequest holds the parameters of a start_session command.
// Iterations of -1 means acquire until stopped.
type SessionRequest struct {
	Name       string
	Preview    bool
	Iterations int
	Livetime   float64
	Delay      float64
}

func StartSession(peer string, r SessionRequest) *Message {
	return New(CmdStartSession, peer).
		SetString(KeySessionName, r.Name).
		SetBool(KeyPreview, r.Preview).
		SetInt(KeyIterations, int64(r.Iterations)).
		SetFloat(KeyLivetime, r.Livetime).
		SetFloat(KeyDelay, r.Delay)
}

func StopSession(peer string) *Message { return New(CmdStopSession, peer) }

// DetectorConfig holds the settings carried by set_detector_config and
// echoed back by detector_config_success.
type DetectorConfig struct {
	DetectorType string  `json:"detector_type"`
	Voltage      int     `json:"voltage"`
	CoarseGain   float64 `json:"coarse_gain"`
	FineGain     float64 `json:"fine_gain"`
	NumChannels  int     `json:"num_channels"`
	LLD          int     `json:"lld"`
	ULD          int     `json:"uld"`
}

func SetDetectorConfig(peer string, c DetectorConfig) *Message {
	return New(CmdSetDetectorConfig, peer).
		SetString(KeyDetectorType, c.DetectorType).
		SetInt(KeyVoltage, int64(c.Voltage)).
		SetFloat(KeyCoarseGain, c.CoarseGain).
		SetFloat(KeyFineGain, c.FineGain).
		SetInt(KeyNumChannels, int64(c.NumChannels)).
		SetInt(KeyLLD, int64(c.LLD)).
		SetInt(KeyULD, int64(c.ULD))
}

// ParseDetectorConfig reads every field of a detector_config_success reply.
// Either all fields are valid or an error naming the first bad one is returned.
func ParseDetectorConfig(m *Message) (DetectorConfig, error) {
	var c DetectorConfig
	var err error
	if c.DetectorType, err = m.GetString(KeyDetectorType); err != nil {
		return c, err
	}
	ints := []struct {
		key string
		dst *int
	}{
		{KeyVoltage, &c.Voltage},
		{KeyNumChannels, &c.NumChannels},
		{KeyLLD, &c.LLD},
		{KeyULD, &c.ULD},
	}
	for _, f := range ints {
		v, err := m.GetInt(f.key)
		if err != nil {
			return DetectorConfig{}, err
		}
		*f.dst = int(v)
	}
	if c.CoarseGain, err = m.GetFloat(KeyCoarseGain); err != nil {
		return DetectorConfig{}, err
	}
	if c.FineGain, err = m.GetFloat(KeyFineGain); err != nil {
		return DetectorConfig{}, err
	}
	return c, nil
}
