package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"routemap/internal/geo"
	"routemap/internal/mapmatch"
	"routemap/internal/pipeline"
	"routemap/internal/render"
	"routemap/internal/transit"
)

const (
	maxBodyBytes = 10 << 20
	writeWait    = 2 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// origin policy is enforced by the CORS layer
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SceneMessage is what the scene stream sends on every change.
type SceneMessage struct {
	MsgType string          `json:"msgType"`
	Scene   render.Snapshot `json:"scene"`
}

func (s *Server) getScene(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scene.Snapshot())
}

func (s *Server) clearScene(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// streamScene pushes a full snapshot on connect and after every revision.
// Slow clients skip intermediate revisions.
func (s *Server) streamScene(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("scene upgrade: %v", err)
		return
	}
	defer ws.Close()

	updates, cancel := s.scene.Subscribe()
	defer cancel()

	// the client only talks to close the connection
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() error {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteJSON(SceneMessage{MsgType: "Scene", Scene: s.scene.Snapshot()})
	}
	if err := send(); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case <-updates:
			if err := send(); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// MatchRequest is the JSON form of POST /api/match.
type MatchRequest struct {
	Coordinates geo.Path `json:"coordinates"`
	MapMatching *bool    `json:"map_matching,omitempty"`
}

// match accepts JSON coordinates or a GPX document.
func (s *Server) match(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	apply := s.opts.MapMatching
	var coords geo.Path

	if isGPX(r) {
		path, err := mapmatch.ReadGPX(r.Body)
		if errors.Is(err, mapmatch.ErrNoCoordinates) {
			writeErr(w, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid gpx: "+err.Error())
			return
		}
		coords = path
	} else {
		var req MatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		coords = req.Coordinates
		if req.MapMatching != nil {
			apply = *req.MapMatching
		}
	}
	if v := r.URL.Query().Get("map_matching"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid map_matching")
			return
		}
		apply = b
	}
	for _, c := range coords {
		if !geo.Valid(c) {
			writeError(w, http.StatusBadRequest, "coordinate out of range")
			return
		}
	}

	res, err := s.matcher.ProcessRouteWithCoordinates(r.Context(), coords, s.opts.APIKey, apply)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func isGPX(r *http.Request) bool {
	if r.URL.Query().Get("format") == "gpx" {
		return true
	}
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	return strings.Contains(ct, "gpx") || strings.Contains(ct, "xml")
}

// DrawRequest is the optional body of POST /api/variants/{id}/draw.
type DrawRequest struct {
	MapMatching *bool         `json:"map_matching,omitempty"`
	Style       *render.Style `json:"style,omitempty"`
	Stops       *bool         `json:"stops,omitempty"`
	Fit         *bool         `json:"fit,omitempty"`
}

func (s *Server) drawVariant(w http.ResponseWriter, r *http.Request) {
	id := transit.ID(chi.URLParam(r, "id"))
	var req DrawRequest
	if r.ContentLength != 0 {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	opts := pipeline.Options{MapMatching: s.opts.MapMatching, WithStops: true, Fit: true}
	if req.MapMatching != nil {
		opts.MapMatching = *req.MapMatching
	}
	if req.Style != nil {
		opts.Style = *req.Style
	}
	if req.Stops != nil {
		opts.WithStops = *req.Stops
	}
	if req.Fit != nil {
		opts.Fit = *req.Fit
	}

	res, err := s.pipeline.DrawVariant(r.Context(), id, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) removeVariant(w http.ResponseWriter, r *http.Request) {
	s.pipeline.RemoveVariant(transit.ID(chi.URLParam(r, "id")))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) highlightVariant(w http.ResponseWriter, r *http.Request) {
	on := true
	if v := r.URL.Query().Get("on"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid on")
			return
		}
		on = b
	}
	id := transit.ID(chi.URLParam(r, "id"))
	if !s.pipeline.Highlight(id, on) {
		writeError(w, http.StatusNotFound, "variant is not drawn")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "highlighted": on})
}
