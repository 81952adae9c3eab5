package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/gamma.report/internal/httputil"
	"github.com/banshee-data/gamma.report/internal/spectrum"
)

// chartSeries is one spectrum prepared for plotting. X holds energies when
// the detector has an energy curve, channel numbers otherwise.
type chartSeries struct {
	Title      string
	XName      string
	X          []float64
	Counts     []float64
	Background []float64
}

// chartSeries picks the spectrum named by the request: ?source=preview for
// the preview spectrum, otherwise ?index= in the current session, defaulting
// to the most recent one.
func (s *Server) chartSeries(r *http.Request) (*chartSeries, int, error) {
	q := r.URL.Query()

	var spec *spectrum.Spectrum
	var det *spectrum.Detector
	var bkg []float64
	if q.Get("source") == "preview" {
		spec = s.cfg.Dispatcher.Preview()
		if spec == nil {
			return nil, http.StatusNotFound, fmt.Errorf("no preview spectrum")
		}
		det, _ = s.cfg.Dispatcher.Detector()
	} else {
		sess := s.cfg.Dispatcher.Session()
		indices := sess.Indices()
		if len(indices) == 0 {
			return nil, http.StatusNotFound, spectrum.ErrEmptySession
		}
		index := indices[len(indices)-1]
		if v := q.Get("index"); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				return nil, http.StatusBadRequest, fmt.Errorf("invalid 'index' parameter")
			}
			index = i
		}
		var ok bool
		if spec, ok = sess.Spectrum(index); !ok {
			return nil, http.StatusNotFound, fmt.Errorf("spectrum %d not found", index)
		}
		det = sess.Info().Detector
		bkg = sess.Background()
	}

	cs := &chartSeries{
		Title:      spec.String(),
		XName:      "Channel",
		X:          make([]float64, spec.NumChannels()),
		Counts:     spec.Channels(),
		Background: bkg,
	}
	useEnergy := det != nil && len(det.EnergyCurve) > 0
	if useEnergy {
		cs.XName = "Energy (keV)"
	}
	for i := range cs.X {
		if useEnergy {
			cs.X[i] = det.GetEnergy(i)
		} else {
			cs.X[i] = float64(i)
		}
	}
	return cs, http.StatusOK, nil
}

// spectrumChart renders the spectrum as an interactive echarts page.
func (s *Server) spectrumChart(w http.ResponseWriter, r *http.Request) {
	cs, status, err := s.chartSeries(r)
	if err != nil {
		httputil.WriteJSONError(w, status, err.Error())
		return
	}

	xs := make([]string, len(cs.X))
	counts := make([]opts.LineData, len(cs.Counts))
	for i := range cs.X {
		xs[i] = strconv.FormatFloat(cs.X[i], 'f', 1, 64)
		counts[i] = opts.LineData{Value: cs.Counts[i]}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Gamma spectrum", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: cs.Title, Subtitle: fmt.Sprintf("channels=%d", len(cs.Counts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: cs.XName, NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Counts", Type: "value"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(xs).AddSeries("counts", counts, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	if len(cs.Background) == len(cs.Counts) {
		bkg := make([]opts.LineData, len(cs.Background))
		for i, v := range cs.Background {
			bkg[i] = opts.LineData{Value: v}
		}
		line.AddSeries("background", bkg, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// spectrumPlot renders the spectrum as a static PNG.
func (s *Server) spectrumPlot(w http.ResponseWriter, r *http.Request) {
	cs, status, err := s.chartSeries(r)
	if err != nil {
		httputil.WriteJSONError(w, status, err.Error())
		return
	}

	p := plot.New()
	p.Title.Text = cs.Title
	p.X.Label.Text = cs.XName
	p.Y.Label.Text = "Counts"

	pts := make(plotter.XYs, len(cs.Counts))
	for i := range cs.Counts {
		pts[i] = plotter.XY{X: cs.X[i], Y: cs.Counts[i]}
	}
	countLine, err := plotter.NewLine(pts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to plot counts: %v", err))
		return
	}
	countLine.Width = vg.Points(1)
	countLine.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(countLine)
	p.Legend.Add("counts", countLine)

	if len(cs.Background) == len(cs.Counts) {
		bpts := make(plotter.XYs, len(cs.Background))
		for i, v := range cs.Background {
			bpts[i] = plotter.XY{X: cs.X[i], Y: v}
		}
		bkgLine, err := plotter.NewLine(bpts)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to plot background: %v", err))
			return
		}
		bkgLine.Width = vg.Points(1)
		bkgLine.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		p.Add(bkgLine)
		p.Legend.Add("background", bkgLine)
	}

	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
