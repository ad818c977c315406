package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/gnss-integrity/internal/db"
	"github.com/banshee-data/gnss-integrity/internal/nmea"
)

// attachDebugRoutes mounts the sky view and HPL charts under /debug/.
func (s *Server) attachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("skyplot", "sky view behind the latest protection level", s.handleSkyplot)
	debug.HandleFunc("hpl-chart", "recent protection levels", s.handleHPLChart)
}

// skyXY projects a satellite onto a north-up polar plot: the zenith is the
// origin and the horizon is a circle of radius 90.
func skyXY(sat nmea.Satellite) (float64, float64) {
	r := 90 - sat.ElevationDeg()
	return r * math.Sin(sat.Azimuth), r * math.Cos(sat.Azimuth)
}

func (s *Server) handleSkyplot(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Read()

	data := make([]opts.ScatterData, 0, len(snap.SkyView))
	for _, sat := range snap.SkyView {
		x, y := skyXY(sat)
		data = append(data, opts.ScatterData{Value: []interface{}{x, y, sat.ElevationDeg()}})
	}

	subtitle := fmt.Sprintf("satellites=%d", len(data))
	if snap.HPL != nil {
		subtitle += fmt.Sprintf(" hpl=%.2fm at %s", *snap.HPL, snap.HPLAt.Format(time.RFC3339))
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "GNSS Sky View", Theme: "dark", Width: "800px", Height: "800px"}),
		charts.WithTitleOpts(opts.Title{Title: "Sky View", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -90, Max: 90, Name: "East (deg from zenith)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -90, Max: 90, Name: "North (deg from zenith)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        90,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("satellites", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// chronological fetches up to limit recorded cycles and returns those with a
// protection level, oldest first.
func (s *Server) chronological(r *http.Request, q db.HistoryQuery) ([]db.Acquisition, error) {
	rows, err := s.history.Acquisitions(r.Context(), q)
	if err != nil {
		return nil, err
	}
	rows = slices.DeleteFunc(rows, func(a db.Acquisition) bool { return a.HPL == nil })
	slices.Reverse(rows)
	return rows, nil
}

func (s *Server) handleHPLChart(w http.ResponseWriter, r *http.Request) {
	q, err := s.historyQuery(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.chronological(r, q)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load history: %v", err))
		return
	}

	x := make([]string, 0, len(rows))
	y := make([]opts.BarData, 0, len(rows))
	for _, a := range rows {
		x = append(x, a.Timestamp.Format("15:04:05"))
		y = append(y, opts.BarData{Value: *a.HPL})
	}

	subtitle := "no protection levels recorded"
	if len(rows) > 0 {
		subtitle = fmt.Sprintf("%s to %s", rows[0].Timestamp.Format(time.RFC3339), rows[len(rows)-1].Timestamp.Format(time.RFC3339))
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Horizontal Protection Level (m)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).AddSeries("hpl", y)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// plotHistorical renders the recorded protection levels as a PNG time series.
// width and height are in inches.
func (s *Server) plotHistorical(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	width, height := 10.0, 4.0
	for name, dst := range map[string]*float64{"width": &width, "height": &height} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 1 || f > 40 {
			w.Header().Set("Content-Type", "application/json")
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid '%s' parameter", name))
			return
		}
		*dst = f
	}

	q, err := s.historyQuery(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.chronological(r, q)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to fetch historical data")
		return
	}

	p := plot.New()
	p.Title.Text = "Horizontal Protection Level"
	p.X.Label.Text = "Time (UTC)"
	p.Y.Label.Text = "HPL (m)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05"}
	p.Add(plotter.NewGrid())

	if len(rows) > 0 {
		pts := make(plotter.XYs, len(rows))
		for i, a := range rows {
			pts[i].X = float64(a.Timestamp.Unix())
			pts[i].Y = *a.HPL
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build plot: %v", err))
			return
		}
		line.Width = vg.Points(1)
		p.Add(line)
	}

	wt, err := p.WriterTo(vg.Length(width)*vg.Inch, vg.Length(height)*vg.Inch, "png")
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}

	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
