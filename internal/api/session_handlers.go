package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/banshee-data/gamma.report/internal/db"
	"github.com/banshee-data/gamma.report/internal/httputil"
	"github.com/banshee-data/gamma.report/internal/spectrum"
	"github.com/banshee-data/gamma.report/internal/store"
)

// defaultROIHalfWidth is the keV either side of a nuclide's strongest line
// used when half_width is not given.
const defaultROIHalfWidth = 30.0

// SpectrumResponse is a spectrum view plus, when a background is loaded, its
// background-subtracted counts.
type SpectrumResponse struct {
	spectrum.View
	Corrected []float64 `json:"background_corrected,omitempty"`
}

type ROICount struct {
	Index int     `json:"index"`
	Count float64 `json:"count"`
}

// ROIResponse summarises a channel range of the loaded session.
type ROIResponse struct {
	Nuclide         string     `json:"nuclide,omitempty"`
	Start           int        `json:"start"`
	End             int        `json:"end"`
	MaxCount        float64    `json:"max_count"`
	BackgroundCount float64    `json:"background_count"`
	Counts          []ROICount `json:"counts"`
}

type BackgroundRequest struct {
	Session string `json:"session"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.cfg.Dispatcher.Status())
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.cfg.Dispatcher.Session().Snapshot())
}

func (s *Server) showSpectrum(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		httputil.BadRequest(w, "invalid spectrum index")
		return
	}
	sess := s.cfg.Dispatcher.Session()
	spec, ok := sess.Spectrum(index)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("spectrum %d not found", index))
		return
	}
	resp := SpectrumResponse{View: spec.View(true)}
	if sess.Background() != nil {
		if resp.Corrected, err = sess.BackgroundCorrected(index); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	}
	httputil.WriteJSONOK(w, resp)
}

// showROI reports counts in a channel range, given either as start and end
// or as a nuclide from the library.
func (s *Server) showROI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess := s.cfg.Dispatcher.Session()
	if !sess.IsLoaded() {
		httputil.NotFound(w, spectrum.ErrNotLoaded.Error())
		return
	}

	var resp ROIResponse
	if name := q.Get("nuclide"); name != "" {
		if s.cfg.Library == nil {
			httputil.NotFound(w, "no nuclide library loaded")
			return
		}
		halfWidth := defaultROIHalfWidth
		if hw := q.Get("half_width"); hw != "" {
			v, err := strconv.ParseFloat(hw, 64)
			if err != nil || v <= 0 {
				httputil.BadRequest(w, "invalid 'half_width' parameter")
				return
			}
			halfWidth = v
		}
		det := sess.Info().Detector
		if det == nil {
			httputil.BadRequest(w, "session has no detector")
			return
		}
		start, end, err := s.cfg.Library.ROI(name, det, halfWidth)
		if errors.Is(err, spectrum.ErrUnknownNuclide) {
			httputil.NotFound(w, err.Error())
			return
		}
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		resp.Nuclide, resp.Start, resp.End = name, start, end
	} else {
		start, err := strconv.Atoi(q.Get("start"))
		if err != nil || start < 0 {
			httputil.BadRequest(w, "invalid 'start' parameter")
			return
		}
		end, err := strconv.Atoi(q.Get("end"))
		if err != nil || end < start {
			httputil.BadRequest(w, "invalid 'end' parameter")
			return
		}
		resp.Start, resp.End = start, end
	}

	resp.MaxCount = sess.GetMaxCountInROI(resp.Start, resp.End)
	resp.BackgroundCount = sess.GetCountInBkg(resp.Start, resp.End)
	resp.Counts = []ROICount{}
	for _, i := range sess.Indices() {
		if spec, ok := sess.Spectrum(i); ok {
			resp.Counts = append(resp.Counts, ROICount{Index: i, Count: spec.GetCountInROI(resp.Start, resp.End)})
		}
	}
	httputil.WriteJSONOK(w, resp)
}

// setBackground loads a stored session and installs it as the current
// session's background. An empty session name clears it.
func (s *Server) setBackground(w http.ResponseWriter, r *http.Request) {
	var req BackgroundRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("malformed request body: %v", err))
		return
	}
	sess := s.cfg.Dispatcher.Session()
	if !sess.IsLoaded() {
		httputil.WriteJSONError(w, http.StatusConflict, spectrum.ErrNotLoaded.Error())
		return
	}

	if req.Session == "" {
		sess.SetBackgroundSession(nil)
	} else {
		if s.cfg.Store == nil {
			httputil.NotFound(w, "no session store configured")
			return
		}
		bkg, err := s.cfg.Store.LoadSession(req.Session, s.cfg.Loader)
		if err != nil {
			httputil.NotFound(w, fmt.Sprintf("failed to load session %s: %v", req.Session, err))
			return
		}
		if !sess.SetBackgroundSession(bkg) {
			httputil.WriteJSONError(w, http.StatusConflict,
				fmt.Sprintf("session %s cannot be used as background for %s", req.Session, sess.Name()))
			return
		}
	}

	if s.cfg.Catalog != nil {
		if err := s.cfg.Catalog.SetBackgroundSession(sess.Name(), req.Session); err != nil && !errors.Is(err, db.ErrUnknownSession) {
			httputil.InternalServerError(w, fmt.Sprintf("failed to record background: %v", err))
			return
		}
	}
	httputil.WriteJSONOK(w, sess.Snapshot())
}

func (s *Server) showPreview(w http.ResponseWriter, r *http.Request) {
	p := s.cfg.Dispatcher.Preview()
	if p == nil {
		httputil.NotFound(w, "no preview spectrum")
		return
	}
	httputil.WriteJSONOK(w, p.View(true))
}

// listSessions prefers the database catalog and falls back to the session
// directories.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	switch {
	case s.cfg.Catalog != nil:
		recs, err := s.cfg.Catalog.ListSessions()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
			return
		}
		if recs == nil {
			recs = []db.SessionRecord{}
		}
		httputil.WriteJSONOK(w, recs)
	case s.cfg.Store != nil:
		names, err := s.cfg.Store.ListSessions()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
			return
		}
		recs := make([]db.SessionRecord, len(names))
		for i, n := range names {
			recs[i].Name = n
		}
		httputil.WriteJSONOK(w, recs)
	default:
		httputil.WriteJSONOK(w, []db.SessionRecord{})
	}
}

// DeleteResponse names the session removed by DELETE /api/sessions/{name}.
type DeleteResponse struct {
	Deleted string `json:"deleted"`
}

// deleteSession removes a stored session from the file store and the
// catalog. The session being acquired cannot be deleted.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.cfg.Store == nil && s.cfg.Catalog == nil {
		httputil.NotFound(w, "no session store configured")
		return
	}
	if name == s.cfg.Dispatcher.Session().Name() {
		httputil.Conflict(w, fmt.Sprintf("session %s is the current session", name))
		return
	}

	found := false
	if s.cfg.Store != nil {
		err := s.cfg.Store.DeleteSession(name)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, store.ErrInvalidSessionName):
			httputil.BadRequest(w, err.Error())
			return
		case !errors.Is(err, fs.ErrNotExist):
			httputil.InternalServerError(w, fmt.Sprintf("failed to delete session files: %v", err))
			return
		}
	}
	if s.cfg.Catalog != nil {
		err := s.cfg.Catalog.DeleteSession(name)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, db.ErrUnknownSession):
			httputil.InternalServerError(w, fmt.Sprintf("failed to delete catalog entry: %v", err))
			return
		}
	}
	if !found {
		httputil.NotFound(w, fmt.Sprintf("unknown session %s", name))
		return
	}
	httputil.WriteJSONOK(w, DeleteResponse{Deleted: name})
}
