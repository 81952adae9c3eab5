package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/gamma.report/internal/db"
	"github.com/banshee-data/gamma.report/internal/dispatch"
	"github.com/banshee-data/gamma.report/internal/httputil"
	"github.com/banshee-data/gamma.report/internal/monitoring"
	"github.com/banshee-data/gamma.report/internal/spectrum"
	"github.com/banshee-data/gamma.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// SessionLoader restores stored sessions for use as a background.
// *store.FileStore implements it.
type SessionLoader interface {
	ListSessions() ([]string, error)
	LoadSession(name string, loader spectrum.CalibrationLoader) (*spectrum.Session, error)
	DeleteSession(name string) error
}

// Catalog is the session index kept in the database. *db.DB implements it.
type Catalog interface {
	ListSessions() ([]db.SessionRecord, error)
	SetBackgroundSession(name, bkg string) error
	DeleteSession(name string) error
}

// Config wires the server to the dispatcher and its stores. Store, Catalog,
// Library, Metrics and Gatherer are optional.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Loader     spectrum.CalibrationLoader
	Store      SessionLoader
	Catalog    Catalog
	Library    *spectrum.Library
	Hub        *Hub
	Metrics    *monitoring.Metrics
	Gatherer   prometheus.Gatherer
}

type Server struct {
	cfg    Config
	router *mux.Router
}

func NewServer(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg}
}

// Hub returns the live event hub. Register it as the dispatcher's notifier.
func (s *Server) Hub() *Hub { return s.cfg.Hub }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack is needed by the websocket upgrade on /api/live.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Router builds the route table. It is created once and reused.
func (s *Server) Router() *mux.Router {
	if s.router != nil {
		return s.router
	}
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(httputil.RouteNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(httputil.MethodNotAllowed)

	a := r.PathPrefix("/api").Subrouter()
	a.MethodNotAllowedHandler = r.MethodNotAllowedHandler
	if m := s.cfg.Metrics; m != nil {
		a.Use(
			func(next http.Handler) http.Handler {
				return promhttp.InstrumentHandlerCounter(m.HTTPRequestsTotal, next)
			},
			func(next http.Handler) http.Handler {
				return promhttp.InstrumentHandlerDuration(m.HTTPRequestDuration, next)
			},
		)
	}

	a.Path("/status").Methods(http.MethodGet).HandlerFunc(s.showStatus)
	a.Path("/version").Methods(http.MethodGet).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, version.Get())
	})
	a.Path("/session").Methods(http.MethodGet).HandlerFunc(s.showSession)
	a.Path("/session/spectra/{index:[0-9]+}").Methods(http.MethodGet).HandlerFunc(s.showSpectrum)
	a.Path("/session/roi").Methods(http.MethodGet).HandlerFunc(s.showROI)
	a.Path("/session/background").Methods(http.MethodPost).HandlerFunc(s.setBackground)
	a.Path("/preview").Methods(http.MethodGet).HandlerFunc(s.showPreview)
	a.Path("/sessions").Methods(http.MethodGet).HandlerFunc(s.listSessions)
	a.Path("/sessions/{name}").Methods(http.MethodDelete).HandlerFunc(s.deleteSession)
	a.Path("/commands/{name}").Methods(http.MethodPost).HandlerFunc(s.sendCommand)
	a.Path("/live").Methods(http.MethodGet).HandlerFunc(s.cfg.Hub.ServeHTTP)

	r.Path("/charts/spectrum").Methods(http.MethodGet).HandlerFunc(s.spectrumChart)
	r.Path("/charts/spectrum.png").Methods(http.MethodGet).HandlerFunc(s.spectrumPlot)

	r.Path("/metrics").
		Methods(http.MethodGet).
		Handler(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Path("/healthz").
		Methods(http.MethodGet).
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK")) //nolint:errcheck
		})

	s.router = r
	return r
}
