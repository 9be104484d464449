package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/lidarcam/internal/capture"
)

// scanPoint is one finite sample of the filtered scan.
type scanPoint struct {
	AngleDeg float64
	Range    float64
}

func finitePoints(f capture.FilteredScan) []scanPoint {
	pts := make([]scanPoint, 0, f.Len())
	for i, r := range f.Ranges {
		v := float64(r)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		pts = append(pts, scanPoint{AngleDeg: f.AnglesDeg[i], Range: v})
	}
	return pts
}

// plotScan renders the latest filtered scan as range against bearing.
func (s *Server) plotScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.node.Snapshot()
	pts := finitePoints(snap.Filtered)
	if len(pts) == 0 {
		writeJSONError(w, http.StatusNotFound, "no filtered scan available")
		return
	}

	xys := make(plotter.XYs, len(pts))
	for i, p := range pts {
		xys[i] = plotter.XY{X: p.AngleDeg, Y: p.Range}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Filtered scan (%d samples)", snap.Filtered.Len())
	p.X.Label.Text = "Bearing (deg)"
	p.Y.Label.Text = "Range (m)"
	p.Add(plotter.NewGrid())

	sc, err := plotter.NewScatter(xys)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build plot: %v", err))
		return
	}
	sc.GlyphStyle.Radius = vg.Points(2)
	p.Add(sc)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

// handleScanChart renders the filtered scan as an XY scatter in the sensor
// frame using go-echarts. Debug only.
func (s *Server) handleScanChart(w http.ResponseWriter, r *http.Request) {
	snap := s.node.Snapshot()
	pts := finitePoints(snap.Filtered)

	data := make([]opts.ScatterData, 0, len(pts))
	maxAbs := 0.0
	maxRange := 0.0
	for _, p := range pts {
		theta := p.AngleDeg * math.Pi / 180.0
		x := p.Range * math.Cos(theta)
		y := p.Range * math.Sin(theta)
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(y)))
		maxRange = math.Max(maxRange, p.Range)
		data = append(data, opts.ScatterData{Value: []interface{}{x, y, p.Range}})
	}

	// Add a small padding so points at the edges are visible
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if maxRange == 0 {
		maxRange = 1
	}

	subtitle := fmt.Sprintf("samples=%d finite=%d", snap.Filtered.Len(), len(pts))
	if snap.ImagePath != "" {
		subtitle += " image=" + snap.ImagePath
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Filtered Scan (Polar->XY)", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Filtered Scan", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxRange),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("scan", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// AttachAdminRoutes adds the node's debug pages to the /debug/ index.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("scan", "Latest filtered scan (echarts)", s.handleScanChart)
	debug.HandleFunc("node", "Node counters and state (JSON)", s.showStatus)
}
