package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jpalmerr/vidiboard/internal/compile"
	"github.com/jpalmerr/vidiboard/internal/protocol"
	"github.com/jpalmerr/vidiboard/internal/store"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// maxTTLSeconds is the longest TTL a time.Duration can hold.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

func ttlFromSeconds(secs int64) (time.Duration, error) {
	switch {
	case secs < 0:
		return 0, badRequest("ttl_seconds cannot be negative")
	case secs > maxTTLSeconds:
		return 0, badRequest("ttl_seconds cannot exceed %d", maxTTLSeconds)
	}
	return time.Duration(secs) * time.Second, nil
}

// handleCreate publishes a new dashboard. A client-chosen id that already
// exists is replaced.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req dashboardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.put(w, r, req.ID, req)
}

// handleReplace fully replaces a dashboard, creating it when absent.
func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	var req dashboardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.put(w, r, r.PathValue("id"), req)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, id string, req dashboardRequest) {
	def, err := store.ParseDefinition(req.Dashboard)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := store.PutOptions{
		ID:        id,
		Name:      req.Name,
		Owner:     req.Owner,
		Tags:      req.Tags,
		Permanent: req.Permanent,
		TTL:       s.cfg.DefaultTTL,
	}
	if req.TTLSeconds != nil {
		ttl, err := ttlFromSeconds(*req.TTLSeconds)
		if err != nil {
			writeError(w, err)
			return
		}
		opts.TTL = ttl
	}

	rec, created, err := s.svc.Publish(r.Context(), def, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newDashboardResponse(rec, true))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDashboardResponse(rec, true))
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	p := store.Patch{
		Name:       req.Name,
		Owner:      req.Owner,
		Tags:       req.Tags,
		AddTags:    req.AddTags,
		RemoveTags: req.RemoveTags,
		Permanent:  req.Permanent,
	}
	if req.TTLSeconds != nil {
		ttl, err := ttlFromSeconds(*req.TTLSeconds)
		if err != nil {
			writeError(w, err)
			return
		}
		p.TTL = &ttl
	}
	if len(req.Dashboard) > 0 {
		def, err := store.ParseDefinition(req.Dashboard)
		if err != nil {
			writeError(w, err)
			return
		}
		p.Definition = &def
	}

	rec, err := s.svc.Patch(r.Context(), r.PathValue("id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDashboardResponse(rec, true))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Touch(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := s.svc.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]dashboardResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, newDashboardResponse(rec, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func parseListQuery(r *http.Request) (store.ListQuery, error) {
	values := r.URL.Query()
	q := store.ListQuery{
		Owner: values.Get("owner"),
		Name:  values.Get("name"),
		Tag:   values.Get("tag"),
		Sort:  store.SortField(values.Get("sort")),
	}

	switch values.Get("order") {
	case "", "desc":
	case "asc":
		q.Ascending = true
	default:
		return q, badRequest("order must be asc or desc")
	}

	if raw := values.Get("permanent"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return q, badRequest("permanent must be a boolean")
		}
		q.Permanent = &v
	}

	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return q, badRequest("%s must be a non-negative integer", name)
		}
		*dst = v
	}

	return q.Normalize(), nil
}

// handlePushUpdate broadcasts one update command to the dashboard's viewers.
func (s *Server) handlePushUpdate(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.UpdateCommand
	if err := decodeBody(r, &cmd); err != nil {
		writeError(w, err)
		return
	}

	seq, err := s.svc.PushUpdate(r.Context(), r.PathValue("id"), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"seq": seq})
}

func (s *Server) handleCompileStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.CompileStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(snap))
}

func (s *Server) handleRecompile(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Recompile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newStatusResponse(snap))
}

// handleArtifact requests the artifact for the dashboard's current
// definition. With wait=true it blocks until the build settles or the poll
// bound is reached.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, badRequest("wait must be a boolean"))
			return
		}
		wait = v
	}

	var (
		snap compile.Snapshot
		err  error
	)
	if wait {
		snap, err = s.svc.AwaitArtifact(r.Context(), id)
	} else {
		snap, err = s.svc.RequestArtifact(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusAccepted
	if snap.Status == compile.StatusReady {
		status = http.StatusOK
	}
	writeJSON(w, status, newStatusResponse(snap))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("empty request body")
		}
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidDefinition),
		errors.Is(err, store.ErrInvalidID),
		errors.Is(err, protocol.ErrInvalidCommand),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, compile.ErrCompilationFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, compile.ErrCompilationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, compile.ErrBuilderUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
