package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nixpig/jobsession/internal/descriptor"
	"github.com/nixpig/jobsession/internal/drm"
	"github.com/nixpig/jobsession/internal/drmerr"
	"github.com/nixpig/jobsession/internal/registry"
)

type jobStatus struct {
	ID       string              `json:"id"`
	State    descriptor.JobState `json:"state"`
	SubState string              `json:"subState,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// router serves the read-only admin API.
func (s *server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.getHealth).Methods("GET")
	r.HandleFunc("/v1/sessions", s.listSessions).Methods("GET")
	r.HandleFunc("/v1/sessions/{name}", s.getSession).Methods("GET")
	r.HandleFunc("/v1/sessions/{name}/jobs", s.listSessionJobs).Methods("GET")
	r.HandleFunc("/v1/jobs/{id}", s.getJob).Methods("GET")
	return r
}

func (s *server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.backend.Name(),
		"version": s.backend.Version().String(),
	})
}

func (s *server) listSessions(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.Names(r.Context())
	if err != nil {
		s.writeError(w, "list sessions", err)
		return
	}

	if names == nil {
		names = []string{}
	}

	s.writeJSON(w, http.StatusOK, names)
}

func (s *server) getSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, "get session", err)
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *server) listSessionJobs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, err := s.store.Get(r.Context(), name); err != nil {
		s.writeError(w, "get session", err)
		return
	}

	ids, err := s.backend.Jobs(r.Context(), name)
	if err != nil {
		s.writeError(w, "list jobs", err)
		return
	}

	jobs := make([]jobStatus, 0, len(ids))
	for _, id := range ids {
		state, subState, err := s.backend.State(r.Context(), id)
		if errors.Is(err, drm.ErrJobNotFound) {
			continue
		} else if err != nil {
			s.writeError(w, "get job state", err)
			return
		}

		jobs = append(jobs, jobStatus{ID: id, State: state, SubState: subState})
	}

	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.Info(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, "get job info", err)
		return
	}
	defer info.Destroy()

	s.writeJSON(w, http.StatusOK, info)
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode admin response", "err", err)
	}
}

// writeError maps err to an HTTP status the way the gRPC API maps it to a
// status code.
func (s *server) writeError(w http.ResponseWriter, logMsg string, err error) {
	kind := drmerr.KindOf(err)

	var code int

	switch {
	case errors.Is(err, drm.ErrJobNotFound), errors.Is(err, registry.ErrSessionNotFound):
		code = http.StatusNotFound
	case kind == drmerr.InvalidArgument:
		code = http.StatusBadRequest
	case kind == drmerr.KindNone, kind == drmerr.Internal:
		s.logger.Error(logMsg, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	default:
		code = http.StatusConflict
	}

	s.logger.Warn(logMsg, "err", err)
	s.writeJSON(w, code, errorResponse{Error: drmerr.Describe(err), Kind: kind.String()})
}
