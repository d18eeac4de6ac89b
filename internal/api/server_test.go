package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routemap/internal/db"
	"routemap/internal/editor"
	"routemap/internal/mapmatch"
	"routemap/internal/pipeline"
	"routemap/internal/render"
)

type testEnv struct {
	srv   *httptest.Server
	api   *Server
	scene *render.Scene
	store *db.Store
}

type failingPinger struct{}

func (failingPinger) PingContext(ctx context.Context) error { return errors.New("connection refused") }

func newTestEnv(t *testing.T, pinger Pinger) *testEnv {
	t.Helper()
	conn, driver, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	store := db.NewStore(conn, driver)
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))
	for _, q := range []string{
		`INSERT INTO routes (id, code, name) VALUES ('r1', '101', 'Cable - Fundadores')`,
		`INSERT INTO route_variants (id, route_id, name, path) VALUES ('v1', 'r1', 'ida', '[[-75.5138,5.0703],[-75.505,5.068],[-75.5,5.065]]')`,
		`INSERT INTO stops (id, name, location) VALUES ('s1', 'Cable', '[-75.5138,5.0703]'), ('s2', 'Fundadores', '[-75.5,5.065]')`,
		`INSERT INTO route_variant_stops (route_variant_id, stop_id, stop_order) VALUES ('v1', 's1', 1)`,
	} {
		_, err := conn.ExecContext(ctx, q)
		require.NoError(t, err, q)
	}
	if pinger == nil {
		pinger = conn
	}

	scene := render.NewScene()
	renderer := render.NewRenderer(scene, nil)
	matcher := mapmatch.NewMatcher("", 0, nil)
	p := pipeline.New(store, matcher, renderer, "")
	ed := editor.NewManager(store, matcher, renderer, "")
	api := NewServer(scene, p, ed, matcher, pinger, Options{MapMatching: true})
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		api.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, api: api, scene: scene, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	down := newTestEnv(t, failingPinger{})
	resp, body = down.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "connection refused")
}

func TestMatchJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.do(t, "POST", "/api/match", "application/json",
		`{"coordinates":[[-75.5138,5.0703],[-75.5,5.065]],"map_matching":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var res mapmatch.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 1.0, res.Confidence)
	assert.Len(t, res.Geometry, 2)
	assert.Greater(t, res.Distance, 1500.0)

	resp, body = env.do(t, "POST", "/api/match", "application/json", `{"coordinates":[]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "error")

	resp, _ = env.do(t, "POST", "/api/match", "application/json", `{"coordinates":[[500,5]]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/api/match", "application/json", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMatchGPX(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><trkseg>
    <trkpt lat="5.0703" lon="-75.5138"></trkpt>
    <trkpt lat="5.0680" lon="-75.5050"></trkpt>
    <trkpt lat="5.0650" lon="-75.5000"></trkpt>
  </trkseg></trk>
</gpx>`
	resp, body := env.do(t, "POST", "/api/match", "application/gpx+xml", doc)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res mapmatch.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Len(t, res.Geometry, 3)

	resp, _ = env.do(t, "POST", "/api/match?format=gpx", "", "<gpx")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVariantDrawLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/api/variants/v1/draw", "application/json", `{"style":{"color":"#00a651"},"fit":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, env.scene.HasLayer("route-variant-v1-glow"))
	assert.True(t, env.scene.HasMarker("stop-variant-v1-s1"))

	resp, body = env.do(t, "GET", "/api/scene", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap render.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Len(t, snap.Layers, 4)
	assert.Equal(t, "route-variant-v1-shadow", snap.Layers[0].ID)

	resp, _ = env.do(t, "POST", "/api/variants/v1/highlight?on=true", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, "POST", "/api/variants/v9/highlight", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.do(t, "POST", "/api/variants/v1/highlight?on=maybe", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, "DELETE", "/api/variants/v1/draw", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	s, l, m := env.scene.Sizes()
	assert.Zero(t, s+l+m)

	resp, _ = env.do(t, "POST", "/api/variants/missing/draw", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/api/variants/v1/draw", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, "DELETE", "/api/scene", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	s, l, m = env.scene.Sizes()
	assert.Zero(t, s+l+m)
}

func TestDraftFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/api/drafts", "application/json", `{"variant_id":"v1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var d editor.Draft
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Len(t, d.Points, 3)
	base := "/api/drafts/" + d.ID.String()

	resp, _ = env.do(t, "DELETE", base+"/points", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, "POST", base+"/points", "application/json", `{"lon":-75.5138,"lat":5.0703}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, "POST", base+"/points", "application/json", `{"lon":-75.51,"lat":5.069}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, "POST", base+"/points", "application/json", `{"lon":-75.5,"lat":5.065}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = env.do(t, "DELETE", base+"/points/last", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Len(t, d.Points, 2)
	resp, _ = env.do(t, "POST", base+"/points", "application/json", `{"lon":-75.5,"lat":5.065}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, "POST", base+"/stops", "application/json", `{"stop_id":"s1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = env.do(t, "POST", base+"/stops", "application/json", `{"lon":-75.50005,"lat":5.06505}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, "POST", base+"/stops", "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body = env.do(t, "PUT", base+"/stops/order", "application/json", `{"from":1,"to":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &d))
	require.Len(t, d.Stops, 2)
	assert.Equal(t, "s2", string(d.Stops[0].ID))
	resp, _ = env.do(t, "DELETE", base+"/stops/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, "POST", base+"/finish", "application/json", `{"map_matching":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	v, err := env.store.FetchRouteVariant(context.Background(), "v1")
	require.NoError(t, err)
	assert.Len(t, v.Path, 3)
	assert.Greater(t, v.Length, 0.0)
	stops, err := env.store.FetchVariantStops(context.Background(), "v1")
	require.NoError(t, err)
	require.Len(t, stops, 2)
	assert.Equal(t, "s2", string(stops[0].ID))

	resp, _ = env.do(t, "GET", base, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDraftErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, "GET", "/api/drafts/not-a-uuid", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/api/drafts", "application/json", `{"variant_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.do(t, "POST", "/api/drafts", "", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d editor.Draft
	require.NoError(t, json.Unmarshal(body, &d))
	base := "/api/drafts/" + d.ID.String()

	resp, _ = env.do(t, "POST", base+"/finish", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp, _ = env.do(t, "POST", base+"/points", "application/json", `{"lon":-300,"lat":5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, "GET", "/api/drafts", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []editor.Draft
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, _ = env.do(t, "DELETE", base, "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, "DELETE", base, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSceneStream(t *testing.T) {
	env := newTestEnv(t, nil)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/scene/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg SceneMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "Scene", msg.MsgType)
	assert.Empty(t, msg.Scene.Layers)

	resp, _ := env.do(t, "POST", "/api/variants/v1/draw", "application/json", `{"fit":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// intermediate revisions may be coalesced; read until the route shows up
	for {
		require.NoError(t, ws.ReadJSON(&msg))
		if len(msg.Scene.Layers) == 4 {
			break
		}
	}
	assert.Equal(t, "route-variant-v1-shadow", msg.Scene.Layers[0].ID)
}
