package orchestrator

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"
)

var roadsTemplate = template.Must(template.New("roads").Parse(`<!DOCTYPE html>
<html><head><title>roadwatch roads</title>
<style>
body { font-family: sans-serif; }
td, th { padding: 4px 10px; text-align: left; }
.Running { color: #080; } .Degraded { color: #b60; } .Stopped { color: #b00; }
</style></head>
<body>
<h1>Roads</h1>
<table>
<tr><th>Road</th><th>Status</th><th>Reason</th><th>Seq</th><th>Frames</th><th>Bad frames</th><th>Detector errors</th><th>Restarts</th></tr>
{{range .}}<tr>
<td>{{.Road}}</td><td class="{{.Status}}">{{.Status}}</td><td>{{.Reason}}</td><td>{{.Seq}}</td>
<td>{{.Stats.Frames}}</td><td>{{.Stats.BadFrames}}</td><td>{{.Stats.DetectorErrors}}</td><td>{{.Restarts}}</td>
</tr>{{end}}
</table>
</body></html>
`))

// AttachAdminRoutes mounts the road table and speed chart under /debug/.
func (o *Orchestrator) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("roads", "Worker status per road", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := roadsTemplate.Execute(&buf, o.States()); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})

	debug.HandleFunc("speeds", "Current speeds per road (chart)", o.handleSpeedChart)
}

// handleSpeedChart renders the latest average and p85 speed of every road
// as a bar chart using go-echarts.
func (o *Orchestrator) handleSpeedChart(w http.ResponseWriter, r *http.Request) {
	roads := o.Roads()
	avg := make([]opts.BarData, 0, len(roads))
	p85 := make([]opts.BarData, 0, len(roads))
	for _, name := range roads {
		m, err := o.store.ReadInfo(name)
		if err != nil {
			avg = append(avg, opts.BarData{Value: 0})
			p85 = append(p85, opts.BarData{Value: 0})
			continue
		}
		avg = append(avg, opts.BarData{Value: m.AverageSpeed})
		p85 = append(p85, opts.BarData{Value: m.P85Speed})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "roadwatch speeds", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Speeds (m/s)", Subtitle: o.clock.Now().Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(roads).
		AddSeries("average", avg).
		AddSeries("p85", p85)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
