package report

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	log "github.com/colorfulnotion/vmcore/log"
)

func hotBlockChart(s Snapshot) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Hot blocks",
			Subtitle: "execution frequency (EWMA) and generated code size",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	names := make([]string, 0, len(s.HotBlocks))
	ewma := make([]opts.BarData, 0, len(s.HotBlocks))
	size := make([]opts.BarData, 0, len(s.HotBlocks))
	for _, b := range s.HotBlocks {
		names = append(names, b.Addr.String())
		ewma = append(ewma, opts.BarData{
			Value: b.EWMA,
			Tooltip: &opts.Tooltip{
				Show:      opts.Bool(true),
				Formatter: types.FuncStr(fmt.Sprintf("%s: %s, %d samples", b.Addr, b.Tier, b.Samples)),
			},
		})
		code := 0
		if e, ok := s.codeFor(b.Addr); ok {
			code = e.CodeSize
		}
		size = append(size, opts.BarData{Value: code})
	}
	bar.SetXAxis(names).
		AddSeries("ewma", ewma).
		AddSeries("code bytes", size)
	return bar
}

func blockStateChart(s Snapshot) *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Block states"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	data := make([]opts.PieData, 0, len(s.Stats.Blocks))
	for _, name := range sortedKeys(s.Stats.Blocks) {
		data = append(data, opts.PieData{Name: name, Value: s.Stats.Blocks[name]})
	}
	pie.AddSeries("states", data).SetSeriesOptions(
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}),
	)
	return pie
}

func cacheChart(s Snapshot) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Cache hit rates"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	names := []string{"code"}
	rates := []opts.BarData{{Value: s.Stats.Code.HitRate}}
	for _, l := range s.Stats.Translation.Levels {
		names = append(names, l.Level)
		rates = append(rates, opts.BarData{Value: l.HitRate})
	}
	names = append(names, "dispatch")
	rates = append(rates, opts.BarData{Value: s.Stats.HitRate})
	bar.SetXAxis(names).AddSeries("hit rate", rates)
	return bar
}

// Page lays out the charts of s.
func Page(s Snapshot) *components.Page {
	page := components.NewPage()
	page.PageTitle = "vmcore report"
	page.AddCharts(hotBlockChart(s), blockStateChart(s), cacheChart(s))
	return page
}

// WriteHTML renders the chart page of s to w.
func WriteHTML(w io.Writer, s Snapshot) error {
	return Page(s).Render(w)
}

// Serve renders a fresh snapshot for every request until the server fails.
func Serve(addr string, collect func() Snapshot) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		if err := WriteHTML(rw, collect()); err != nil {
			log.Warn(log.DispatchMonitoring, "Report: render failed", "err", err)
		}
	})
	mux.HandleFunc("/tree", func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		WriteText(rw, collect())
	})
	log.Info(log.DispatchMonitoring, "Report: serving", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
