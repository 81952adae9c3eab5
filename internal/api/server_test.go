package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gamma.report/internal/db"
	"github.com/banshee-data/gamma.report/internal/dispatch"
	"github.com/banshee-data/gamma.report/internal/fsutil"
	"github.com/banshee-data/gamma.report/internal/httputil"
	"github.com/banshee-data/gamma.report/internal/monitoring"
	"github.com/banshee-data/gamma.report/internal/network"
	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/spectrum"
	"github.com/banshee-data/gamma.report/internal/store"
	"github.com/banshee-data/gamma.report/internal/testutil"
)

const testLibrary = `
# name half-life unit energy:probability
Test 1.5 d 1:1.0
Far  2 y 900:0.5
`

type testServer struct {
	srv     *Server
	d       *dispatch.Dispatcher
	catalog *db.DB
	sock    *network.MockUDPSocket
	metrics *monitoring.Metrics
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	catalog, err := db.NewDB(cloneAPITestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	files := store.NewFileStore(fsutil.NewMemoryFileSystem(), "sessions")
	loader := testutil.Loader()
	lib, err := spectrum.ParseLibrary(strings.NewReader(testLibrary))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	hub := NewHub()
	t.Cleanup(hub.Close)

	d := dispatch.New(dispatch.Config{
		Loader:    loader,
		Recorders: []dispatch.Recorder{files, catalog},
		Notifier:  hub,
		Metrics:   metrics,
	})
	require.NoError(t, d.SelectDetector(testutil.Detector()))

	sock := network.NewMockUDPSocket(nil)
	link, err := network.Open(network.LinkConfig{
		PeerAddress: "127.0.0.1",
		Worker:      network.WorkerConfig{PollInterval: time.Millisecond, RecvTimeout: time.Millisecond},
	}, network.NewMockUDPSocketFactory(sock))
	require.NoError(t, err)
	t.Cleanup(func() { link.Close() })
	require.NoError(t, d.Attach(link))

	srv := NewServer(Config{
		Dispatcher: d,
		Loader:     loader,
		Store:      files,
		Catalog:    catalog,
		Library:    lib,
		Hub:        hub,
		Metrics:    metrics,
		Gatherer:   reg,
	})
	return &testServer{
		srv:     srv,
		d:       d,
		catalog: catalog,
		sock:    sock,
		metrics: metrics,
		handler: LoggingMiddleware(srv.Router()),
	}
}

// acquire replays a finished background run followed by the survey run.
func (ts *testServer) acquire() {
	ts.d.Dispatch(testutil.SessionStarted("bkg", false))
	ts.d.Dispatch(testutil.SpectrumMsg("bkg", 0, "1 1 1"))
	ts.d.Dispatch(testutil.SpectrumMsg("bkg", 1, "3 3 3"))
	ts.d.Dispatch(testutil.SessionStarted("survey", false))
	ts.d.Dispatch(testutil.SpectrumMsg("survey", 0, "0 2 4"))
	ts.d.Dispatch(testutil.SpectrumMsg("survey", 1, "2 2 2"))
}

func (ts *testServer) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestServer_Session(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[spectrum.Snapshot](t, w).Loaded)

	ts.acquire()

	w = ts.do(t, http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[spectrum.Snapshot](t, w)
	assert.Equal(t, "survey", snap.Name)
	assert.Equal(t, 3, snap.NumChannels)
	assert.Equal(t, 4.0, snap.MaxChannelCount)
	require.Len(t, snap.Spectra, 2)
	assert.Nil(t, snap.Spectra[0].Channels)

	w = ts.do(t, http.MethodGet, "/api/session/spectra/0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[SpectrumResponse](t, w)
	assert.Equal(t, []float64{0, 2, 4}, resp.Channels)
	assert.Nil(t, resp.Corrected)
	require.NotNil(t, resp.DoseRate)
	// E = channel, factor = E, livetime 2: (2*1 + 4*2) / 2
	assert.Equal(t, 5.0, *resp.DoseRate)

	w = ts.do(t, http.MethodGet, "/api/session/spectra/7", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[dispatch.Status](t, w)
	assert.True(t, status.TransportRunning)
	assert.Equal(t, "survey", status.Session)
	assert.Equal(t, "SN-1 (NaI)", status.Detector)
}

func TestServer_ROI(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/session/roi?start=0&end=3", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	ts.acquire()

	w = ts.do(t, http.MethodGet, "/api/session/roi?start=1&end=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	roi := decode[ROIResponse](t, w)
	assert.Equal(t, 6.0, roi.MaxCount)
	assert.Equal(t, 0.0, roi.BackgroundCount)
	assert.Equal(t, []ROICount{{Index: 0, Count: 6}, {Index: 1, Count: 4}}, roi.Counts)

	w = ts.do(t, http.MethodGet, "/api/session/roi?nuclide=Test&half_width=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	roi = decode[ROIResponse](t, w)
	assert.Equal(t, "Test", roi.Nuclide)
	assert.Equal(t, 0, roi.Start)
	assert.Equal(t, 3, roi.End)
	assert.Equal(t, 6.0, roi.MaxCount)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing start", "end=3", http.StatusBadRequest},
		{"negative start", "start=-1&end=3", http.StatusBadRequest},
		{"end before start", "start=2&end=1", http.StatusBadRequest},
		{"unknown nuclide", "nuclide=Xx", http.StatusNotFound},
		{"line outside detector range", "nuclide=Far", http.StatusBadRequest},
		{"bad half width", "nuclide=Test&half_width=0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodGet, "/api/session/roi?"+tt.query, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestServer_Background(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/session/background", BackgroundRequest{Session: "bkg"})
	assert.Equal(t, http.StatusConflict, w.Code)

	ts.acquire()

	w = ts.do(t, http.MethodPost, "/api/session/background", BackgroundRequest{Session: "bkg"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	// mean of [1 1 1] and [3 3 3], equal livetimes
	assert.Equal(t, []float64{2, 2, 2}, decode[spectrum.Snapshot](t, w).Background)

	w = ts.do(t, http.MethodGet, "/api/session/spectra/0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []float64{-2, 0, 2}, decode[SpectrumResponse](t, w).Corrected)

	w = ts.do(t, http.MethodGet, "/api/session/roi?start=0&end=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 6.0, decode[ROIResponse](t, w).BackgroundCount)

	recs, err := ts.catalog.ListSessions()
	require.NoError(t, err)
	byName := map[string]db.SessionRecord{}
	for _, r := range recs {
		byName[r.Name] = r
	}
	assert.Equal(t, "bkg", byName["survey"].BackgroundSession)
	assert.Equal(t, 2, byName["survey"].NumSpectra)

	w = ts.do(t, http.MethodPost, "/api/session/background", BackgroundRequest{Session: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/session/background", BackgroundRequest{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode[spectrum.Snapshot](t, w).Background)

	req := httptest.NewRequest(http.MethodPost, "/api/session/background", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Preview(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/preview", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	ts.d.Dispatch(testutil.SessionStarted("tune", true))
	ts.d.Dispatch(testutil.SpectrumMsg("tune", 0, "1 2 3").SetBool(protocol.KeyPreview, true))

	w = ts.do(t, http.MethodGet, "/api/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[spectrum.View](t, w)
	assert.True(t, view.Preview)
	assert.Equal(t, []float64{1, 2, 3}, view.Channels)
}

func TestServer_Sessions(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]db.SessionRecord](t, w))

	ts.acquire()

	w = ts.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var names []string
	for _, r := range decode[[]db.SessionRecord](t, w) {
		names = append(names, r.Name)
		assert.Equal(t, "SN-1", r.DetectorSerial)
	}
	assert.ElementsMatch(t, []string{"bkg", "survey"}, names)

	t.Run("directory fallback", func(t *testing.T) {
		srv := NewServer(Config{Dispatcher: ts.d, Store: ts.srv.cfg.Store})
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var names []string
		for _, r := range decode[[]db.SessionRecord](t, w) {
			names = append(names, r.Name)
		}
		assert.ElementsMatch(t, []string{"bkg", "survey"}, names)
	})
}

func TestServer_DeleteSession(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.acquire()

	w := ts.do(t, http.MethodDelete, "/api/sessions/survey", nil)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = ts.do(t, http.MethodDelete, "/api/sessions/bkg", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, DeleteResponse{Deleted: "bkg"}, decode[DeleteResponse](t, w))
	names, err := ts.srv.cfg.Store.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"survey"}, names)

	w = ts.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	recs := decode[[]db.SessionRecord](t, w)
	require.Len(t, recs, 1)
	assert.Equal(t, "survey", recs[0].Name)

	w = ts.do(t, http.MethodDelete, "/api/sessions/bkg", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown session bkg", decode[httputil.ErrorBody](t, w).Error)

	w = ts.do(t, http.MethodDelete, "/api/sessions/a%5Cb", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestServer_Commands(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/commands/start", StartRequest{Name: "run-1", Iterations: 3, Livetime: 10})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, CommandResponse{Command: "start", Status: "queued"}, decode[CommandResponse](t, w))

	w = ts.do(t, http.MethodPost, "/api/commands/stop", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool { return len(ts.sock.Written()) == 2 }, time.Second, time.Millisecond)
	first, err := protocol.Decode(ts.sock.Written()[0].Data, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdStartSession, first.Command)
	assert.Equal(t, "run-1", first.StringOr(protocol.KeySessionName, ""))
	assert.Equal(t, network.DefaultServicePort, ts.sock.Written()[0].Addr.Port)

	tests := []struct {
		name   string
		cmd    string
		body   interface{}
		status int
	}{
		{"unknown", "reboot", nil, http.StatusNotFound},
		{"connect without host", "connect", ConnectRequest{Port: 4000}, http.StatusBadRequest},
		{"zero livetime", "start", StartRequest{Iterations: 1}, http.StatusBadRequest},
		{"zero iterations", "start", StartRequest{Livetime: 1}, http.StatusBadRequest},
		{"preview without livetime", "preview", PreviewRequest{}, http.StatusBadRequest},
		{"voltage out of range", "detector_config", protocol.DetectorConfig{Voltage: 100, ULD: 10}, http.StatusBadRequest},
		{"missing body", "start", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/commands/"+tt.cmd, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w = ts.do(t, http.MethodPost, "/api/commands/detector_config", protocol.DetectorConfig{Voltage: 800, ULD: 900})
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/commands/stop", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_CommandsWithoutTransport(t *testing.T) {
	t.Parallel()

	d := dispatch.New(dispatch.Config{Loader: testutil.MapLoader{}})
	srv := NewServer(Config{Dispatcher: d})

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/commands/disconnect", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/commands/start",
		strings.NewReader(`{"livetime": 5, "iterations": 1}`)))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), dispatch.ErrNoDetector.Error())
}

func TestServer_Charts(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/charts/spectrum", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	ts.acquire()

	w = ts.do(t, http.MethodGet, "/charts/spectrum?index=0", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "echarts")
	assert.Contains(t, w.Body.String(), "Energy (keV)")

	w = ts.do(t, http.MethodGet, "/charts/spectrum.png", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG\r\n\x1a\n")))

	w = ts.do(t, http.MethodGet, "/charts/spectrum.png?index=9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/charts/spectrum?index=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/charts/spectrum?source=preview", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_MetricsAndHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	ts.do(t, http.MethodGet, "/api/status", nil)
	ts.do(t, http.MethodGet, "/api/preview", nil)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(ts.metrics.HTTPRequestsTotal.WithLabelValues("200", "get")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(ts.metrics.HTTPRequestsTotal.WithLabelValues("404", "get")))

	ts.d.Dispatch(testutil.SessionStarted("survey", false))
	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `gamma_messages_dispatched_total{command="start_session_success"} 1`)
	assert.Contains(t, w.Body.String(), "gamma_http_requests_total")
}

func TestLoggingMiddleware(t *testing.T) {
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status?x=1", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], colorBoldRed+"418"+colorReset)
	assert.Contains(t, logged[0], "/api/status?x=1")
}

func TestStatusCodeColor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"500"+colorReset, statusCodeColor(500))
	assert.Equal(t, "101", statusCodeColor(101))
}

func TestServer_UnknownRoutes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/nope", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound, w.Body.String())
	assert.Equal(t, "no route for /api/nope", decode[httputil.ErrorBody](t, w).Error)

	w = ts.do(t, http.MethodDelete, "/api/session", nil)
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed, w.Body.String())
	assert.Equal(t, "method not allowed", decode[httputil.ErrorBody](t, w).Error)
}
