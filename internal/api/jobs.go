package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/MrWong99/lectern/internal/job"
	"github.com/MrWong99/lectern/internal/orchestrator"
)

// submitRequest is the body of POST /v1/transcriptions. Exactly one of
// AudioURL and AudioPath must be set.
type submitRequest struct {
	TrackID       string   `json:"track_id"`
	CollectionID  string   `json:"collection_id"`
	AudioURL      string   `json:"audio_url"`
	AudioPath     string   `json:"audio_path"`
	LanguageHints []string `json:"language_hints"`
	Context       string   `json:"context"`

	// JobID restarts an existing queued or failed job.
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, r, fmt.Errorf("%w: decode body: %v", errBadRequest, err))
		return
	}

	src, err := s.source(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	j, err := s.cfg.Orchestrator.Submit(r.Context(), orchestrator.Request{
		TrackID:       strings.TrimSpace(body.TrackID),
		CollectionID:  body.CollectionID,
		Source:        src,
		LanguageHints: body.LanguageHints,
		Context:       body.Context,
		JobID:         body.JobID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+j.ID)
	writeJSON(w, http.StatusAccepted, j)
}

// source turns the request's audio reference into an AudioSource. Local
// paths must stay inside the media root.
func (s *Server) source(body submitRequest) (orchestrator.AudioSource, error) {
	switch {
	case body.AudioURL != "" && body.AudioPath != "":
		return nil, fmt.Errorf("%w: set either audio_url or audio_path, not both", errBadRequest)
	case body.AudioURL != "":
		u, err := url.Parse(body.AudioURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: audio_url must be an absolute http(s) url", errBadRequest)
		}
		return orchestrator.RemoteFile{URL: u.String()}, nil
	case body.AudioPath != "":
		if s.cfg.MediaRoot == "" {
			return nil, fmt.Errorf("%w: audio_path is disabled, no media root configured", errBadRequest)
		}
		rel := filepath.FromSlash(strings.TrimPrefix(body.AudioPath, "/"))
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("%w: audio_path must stay inside the media root", errBadRequest)
		}
		return orchestrator.LocalFile(filepath.Join(s.cfg.MediaRoot, rel)), nil
	}
	return nil, fmt.Errorf("%w: audio_url or audio_path is required", errBadRequest)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		jobs []job.Job
		err  error
	)
	switch {
	case q.Get("active") == "true":
		jobs, err = s.cfg.Store.LoadActiveJobs(r.Context())
	case q.Get("track_id") != "":
		jobs, err = s.cfg.Store.LoadJobsByTrack(r.Context(), q.Get("track_id"))
	default:
		err = fmt.Errorf("%w: filter by active=true or track_id", errBadRequest)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) loadJob(r *http.Request) (*job.Job, error) {
	id := r.PathValue("id")
	j, err := s.cfg.Store.LoadJob(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("%w: %s", job.ErrJobNotFound, id)
	}
	return j, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.loadJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Orchestrator.RetryAsync(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	s.accepted(w, r)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Orchestrator.ResumeAsync(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	s.accepted(w, r)
}

// accepted answers 202 with the job's current state.
func (s *Server) accepted(w http.ResponseWriter, r *http.Request) {
	j, err := s.loadJob(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Orchestrator.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	s.handleGetJob(w, r)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Orchestrator.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
