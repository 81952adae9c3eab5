package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/banshee-data/gamma.report/internal/dispatch"
	"github.com/banshee-data/gamma.report/internal/httputil"
	"github.com/banshee-data/gamma.report/internal/network"
	"github.com/banshee-data/gamma.report/internal/protocol"
)

const maxCommandBody = 16 * 1024

// ConnectRequest is the body of the connect command.
type ConnectRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StartRequest is the body of the start command. Livetime and Delay are
// seconds; Iterations below zero runs until stopped.
type StartRequest struct {
	Name       string  `json:"name"`
	Comment    string  `json:"comment"`
	Iterations int     `json:"iterations"`
	Livetime   float64 `json:"livetime"`
	Delay      float64 `json:"delay"`
}

type PreviewRequest struct {
	Livetime float64 `json:"livetime"`
}

// CommandResponse acknowledges a queued command.
type CommandResponse struct {
	Command string `json:"command"`
	Status  string `json:"status"`
}

// sendCommand enqueues a device command. Replies arrive asynchronously on
// /api/live.
func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body := http.MaxBytesReader(w, r.Body, maxCommandBody)
	d := s.cfg.Dispatcher

	var err error
	switch name {
	case "connect":
		var req ConnectRequest
		if !decodeBody(w, body, &req) {
			return
		}
		if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
			httputil.BadRequest(w, "host and port are required")
			return
		}
		err = d.Connect(req.Host, req.Port)
	case "disconnect":
		err = d.Disconnect()
	case "close":
		err = d.CloseRemote()
	case "start":
		var req StartRequest
		if !decodeBody(w, body, &req) {
			return
		}
		err = d.StartSession(protocol.SessionRequest{
			Name:       req.Name,
			Iterations: req.Iterations,
			Livetime:   req.Livetime,
			Delay:      req.Delay,
		}, req.Comment)
	case "preview":
		var req PreviewRequest
		if !decodeBody(w, body, &req) {
			return
		}
		err = d.StartPreview(req.Livetime)
	case "stop":
		err = d.StopSession()
	case "detector_config":
		var req protocol.DetectorConfig
		if !decodeBody(w, body, &req) {
			return
		}
		err = d.SetDetectorConfig(req)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown command %q", name))
		return
	}

	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusAccepted, CommandResponse{Command: name, Status: "queued"})
	case errors.Is(err, dispatch.ErrNoTransport), errors.Is(err, dispatch.ErrNoDetector):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, network.ErrStopped):
		httputil.ServiceUnavailable(w, err.Error())
	default:
		httputil.BadRequest(w, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, body io.Reader, v interface{}) bool {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("malformed request body: %v", err))
		return false
	}
	return true
}
