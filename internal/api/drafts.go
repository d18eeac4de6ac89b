package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"routemap/internal/editor"
	"routemap/internal/geo"
	"routemap/internal/transit"
)

type createDraftRequest struct {
	VariantID transit.ID `json:"variant_id"`
}

type pointRequest struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// stopRequest selects a stop by id, or by the nearest stop to lon/lat.
type stopRequest struct {
	StopID transit.ID `json:"stop_id"`
	Lon    *float64   `json:"lon"`
	Lat    *float64   `json:"lat"`
	Radius float64    `json:"radius"`
}

type moveStopRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type finishRequest struct {
	MapMatching *bool `json:"map_matching"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func draftID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, editor.ErrDraftNotFound.Error())
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) listDrafts(w http.ResponseWriter, r *http.Request) {
	drafts := s.editor.List()
	sort.Slice(drafts, func(i, j int) bool { return drafts[i].CreatedAt.Before(drafts[j].CreatedAt) })
	writeJSON(w, http.StatusOK, drafts)
}

func (s *Server) createDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.editor.New(r.Context(), req.VariantID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) getDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := draftID(w, r)
	if !ok {
		return
	}
	d, err := s.editor.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) discardDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := draftID(w, r)
	if !ok {
		return
	}
	if !s.editor.Discard(id) {
		writeErr(w, editor.ErrDraftNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addPoint(w http.ResponseWriter, r *http.Request) {
	id, ok := draftID(w, r)
	if !ok {
		return
	}
	var req pointRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c := geo.Coordinate{req.Lon, req.Lat}
	if !geo.Valid(c) {
		writeError(w, http.StatusBadRequest, "coordinate out of range")
		return
	}
	d, err := s.editor.AddPoint(id, c)
	respondDraft(w, d, err)
}

func (s *Server) undoPoint(w http.ResponseWriter, r *http.Request) {
	if id, ok := draftID(w, r); ok {
		d, err := s.editor.UndoPoint(id)
		respondDraft(w, d, err)
	}
}

func (s *Server) clearPoints(w http.ResponseWriter, r *http.Request) {
	if id, ok := draftID(w, r); ok {
		d, err := s.editor.ClearPoints(id)
		respondDraft(w, d, err)
	}
}

func (s *Server) assignStop(w http.ResponseWriter, r *http.Request) {
	id, ok := draftID(w, r)
	if !ok {
		return
	}
	var req stopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.StopID != "":
		d, err := s.editor.AssignStop(r.Context(), id, req.StopID)
		respondDraft(w, d, err)
	case req.Lon != nil && req.Lat != nil:
		d, err := s.editor.AssignNearestStop(r.Context(), id, geo.Coordinate{*req.Lon, *req.Lat}, req.Radius)
		respondDraft(w, d, err)
	default:
		writeError(w, http.StatusBadRequest, "stop_id or lon/lat required")
	}
}

func (s *Server) moveStop(w http.ResponseWriter, r *http.Request) {
	id, ok := draftID(w, r)
	if !ok {
		return
	}
	var req moveStopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.editor.MoveStop(id, req.From, req.To)
	respondDraft(w, d, err)
}

func (s *Server) removeStop(w http.ResponseWriter, r *http.Request) {
	if id, ok := draftID(w, r); ok {
		d, err := s.editor.RemoveStop(id, transit.ID(chi.URLParam(r, "stopId")))
		respondDraft(w, d, err)
	}
}

func (s *Server) finishDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := draftID(w, r)
	if !ok {
		return
	}
	var req finishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	apply := s.opts.MapMatching
	if req.MapMatching != nil {
		apply = *req.MapMatching
	}
	res, err := s.editor.Finish(r.Context(), id, apply)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func respondDraft(w http.ResponseWriter, d editor.Draft, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
