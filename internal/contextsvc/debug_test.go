package contextsvc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/wire"
)

func debugGet(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:4321"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutes(t *testing.T) {
	s := newTestService(t)
	_, err := s.Subscribe("cup")
	require.NoError(t, err)
	submit(t, s, snapshotAt(0, map[string]*wire.EntityState{
		EntityStage: state(posegraph.RootInertial, 0, 0, 0),
		"cup":       state(EntityStage, 1, 2, 3),
	}))

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	rec := debugGet(t, mux, "/debug/context-stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.Frames)
	assert.Equal(t, 1, stats.Subscriptions)

	rec = debugGet(t, mux, "/debug/context-entity?id=cup&in=stage")
	require.Equal(t, http.StatusOK, rec.Code)
	var cup debugEntity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cup))
	assert.Equal(t, EntityStage, cup.ReferenceFrame)
	require.NotNil(t, cup.Resolved)
	assert.Equal(t, [3]float64{1, 2, 3}, cup.Resolved.Position)

	assert.Equal(t, http.StatusNotFound, debugGet(t, mux, "/debug/context-entity?id=saucer").Code)
	assert.Equal(t, http.StatusBadRequest, debugGet(t, mux, "/debug/context-entity").Code)

	rec = debugGet(t, mux, "/debug/context-graph")
	require.Equal(t, http.StatusOK, rec.Code)
	var graph struct {
		Frame    uint64        `json:"frame"`
		Entities []debugEntity `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &graph))
	assert.Equal(t, uint64(1), graph.Frame)
	assert.Len(t, graph.Entities, s.Graph().Len())

	rec = debugGet(t, mux, "/debug/context-subscriptions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cup"`)
}
