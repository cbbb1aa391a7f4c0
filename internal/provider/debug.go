package provider

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/spatialsync/internal/contextsvc"
	"github.com/banshee-data/spatialsync/internal/httputil"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// SessionStats reports delivery counters for one session.
type SessionStats struct {
	ID           SessionID                      `json:"id"`
	Label        string                         `json:"label,omitempty"`
	RegisteredAt time.Time                      `json:"registered_at"`
	Include      []string                       `json:"include,omitempty"`
	Exclude      []string                       `json:"exclude,omitempty"`
	Geolocation  *contextsvc.GeolocationOptions `json:"geolocation,omitempty"`
	Queued       int                            `json:"queued"`
	Sent         uint64                         `json:"sent"`
	Dropped      uint64                         `json:"dropped"`
	Faults       uint64                         `json:"faults"`
	LastError    string                         `json:"last_error,omitempty"`
}

// Stats reports provider totals plus a per-session breakdown.
type Stats struct {
	Publishes    uint64         `json:"publishes"`
	TotalSent    uint64         `json:"total_sent"`
	TotalDropped uint64         `json:"total_dropped"`
	TotalFaults  uint64         `json:"total_faults"`
	Sessions     []SessionStats `json:"sessions"`
}

// Stats returns a snapshot of the delivery counters ordered by session id.
func (p *Provider) Stats() Stats {
	out := Stats{Publishes: p.publishes.Load()}
	p.mu.RLock()
	for _, s := range p.sessions {
		ss := SessionStats{
			ID:           s.id,
			Label:        s.label,
			RegisteredAt: s.registeredAt,
			Include:      sortedKeys(s.include),
			Exclude:      sortedKeys(s.exclude),
			Queued:       len(s.queue),
			Sent:         s.sent.Load(),
			Dropped:      s.dropped.Load(),
			Faults:       s.faults.Load(),
			LastError:    s.lastError(),
		}
		if s.geo != nil {
			g := *s.geo
			ss.Geolocation = &g
		}
		out.Sessions = append(out.Sessions, ss)
	}
	p.mu.RUnlock()

	sortSessionStats(out.Sessions)
	for _, ss := range out.Sessions {
		out.TotalSent += ss.Sent
		out.TotalDropped += ss.Dropped
		out.TotalFaults += ss.Faults
	}
	return out
}

// SessionStats returns the counters of one session.
func (p *Provider) SessionStats(id SessionID) (SessionStats, error) {
	for _, ss := range p.Stats().Sessions {
		if ss.ID == id {
			return ss, nil
		}
	}
	return SessionStats{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

func sortSessionStats(s []SessionStats) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

// AttachAdminRoutes mounts the session listing and delivery chart on the
// /debug/ handler of mux.
func (p *Provider) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("sessions", "Connected sessions and delivery counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, p.Stats())
	})

	debug.HandleSilentFunc("session", func(w http.ResponseWriter, r *http.Request) {
		ss, err := p.SessionStats(SessionID(r.URL.Query().Get("id")))
		if errors.Is(err, ErrSessionNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, ss)
	})

	debug.HandleFunc("sessions-chart", "Per-session delivery chart", p.handleDeliveryChart)
}

// handleDeliveryChart renders sent, dropped and faulted frames per session.
func (p *Provider) handleDeliveryChart(w http.ResponseWriter, r *http.Request) {
	stats := p.Stats()

	x := make([]string, 0, len(stats.Sessions))
	sent := make([]opts.BarData, 0, len(stats.Sessions))
	dropped := make([]opts.BarData, 0, len(stats.Sessions))
	faults := make([]opts.BarData, 0, len(stats.Sessions))
	for _, ss := range stats.Sessions {
		name := ss.Label
		if name == "" {
			name = string(ss.ID)[:8]
		}
		x = append(x, name)
		sent = append(sent, opts.BarData{Value: ss.Sent})
		dropped = append(dropped, opts.BarData{Value: ss.Dropped})
		faults = append(faults, opts.BarData{Value: ss.Faults})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Session Delivery", Subtitle: fmt.Sprintf("publishes=%d sessions=%d", stats.Publishes, len(stats.Sessions))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	label := charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})
	bar.SetXAxis(x).
		AddSeries("sent", sent, label).
		AddSeries("dropped", dropped, label).
		AddSeries("faults", faults, label)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
