package contextsvc

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/spatialsync/internal/httputil"
	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/spatial"
)

type debugEntity struct {
	ID             string      `json:"id"`
	ReferenceFrame string      `json:"reference_frame,omitempty"`
	Known          bool        `json:"known"`
	Stale          bool        `json:"stale,omitempty"`
	UpdatedFrame   uint64      `json:"updated_frame"`
	Position       *[3]float64 `json:"p,omitempty"`
	Orientation    *[4]float64 `json:"o,omitempty"`
	// Resolved is the pose in the frame named by the "in" query parameter.
	Resolved *debugPose `json:"resolved,omitempty"`
}

type debugPose struct {
	Frame       string     `json:"frame"`
	Position    [3]float64 `json:"p"`
	Orientation [4]float64 `json:"o"`
}

// AttachAdminRoutes mounts the graph and counters on the /debug/ handler of mux.
func (s *Service) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("context-stats", "Context service counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	})

	debug.HandleFunc("context-graph", "Pose graph entities (?in=<frame> resolves each entity)", func(w http.ResponseWriter, r *http.Request) {
		g := s.Graph()
		in := r.URL.Query().Get("in")
		out := make([]debugEntity, 0, g.Len())
		for _, e := range g.Entities() {
			out = append(out, describeEntity(g, e, in))
		}
		httputil.WriteJSONOK(w, map[string]any{
			"frame":     g.Frame(),
			"timestamp": s.Timestamp(),
			"entities":  out,
		})
	})

	debug.HandleSilentFunc("context-entity", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			httputil.BadRequest(w, "missing id")
			return
		}
		g := s.Graph()
		e, ok := g.Entity(id)
		if !ok {
			httputil.NotFound(w, "entity not tracked: "+id)
			return
		}
		httputil.WriteJSONOK(w, describeEntity(g, e, r.URL.Query().Get("in")))
	})

	debug.HandleSilentFunc("context-subscriptions", func(w http.ResponseWriter, r *http.Request) {
		opts, geo := s.GeolocationRequested()
		resp := map[string]any{"entities": s.SubscribedEntities()}
		if geo {
			resp["geolocation"] = opts
		}
		httputil.WriteJSONOK(w, resp)
	})
}

func describeEntity(g *posegraph.Graph, e posegraph.Entity, in string) debugEntity {
	d := debugEntity{
		ID:             e.ID,
		ReferenceFrame: e.Frame(),
		Known:          e.Known,
		Stale:          e.Stale,
		UpdatedFrame:   e.UpdatedFrame,
	}
	if e.Known {
		p := spatial.VecArray(e.Current.Pose.Position)
		o := spatial.XYZW(e.Current.Pose.Orientation)
		d.Position, d.Orientation = &p, &o
	}
	if in != "" {
		if pose, err := g.Resolve(e.ID, in, e.Current.Time); err == nil {
			d.Resolved = &debugPose{
				Frame:       in,
				Position:    spatial.VecArray(pose.Position),
				Orientation: spatial.XYZW(pose.Orientation),
			}
		}
	}
	return d
}
