package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/beingfastian/APD-Listener-Tool/store"
	"github.com/beingfastian/APD-Listener-Tool/wire"
)

const maxUploadBytes = 64 << 20

type errorPayload struct {
	Code    string `json:"code"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// handleCreateJob is the upload flow: a complete recording arrives as
// multipart form data and runs through the same pipeline a live save
// uses.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, errorPayload{
			Code:    wire.CodeValidation,
			Message: "expected multipart form data with an audio file",
		})
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, errorPayload{
			Code:    wire.CodeValidation,
			Message: "missing audio file",
		})
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorPayload{
			Code:    wire.CodeValidation,
			Message: "unreadable audio file",
		})
		return
	}

	hint := r.FormValue("transcript_hint")
	job, err := s.pipeline.Finalize(r.Context(), audio, hint)
	if err != nil {
		s.logger.Error("upload finalize", "error", err)
		code, stage := finalizeErrorCode(err)
		writeError(w, statusForCode(code), errorPayload{
			Code:    code,
			Stage:   stage,
			Message: err.Error(),
		})
		return
	}

	s.logger.Info("job created via upload",
		"job", job.ID, "bytes", len(audio))
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, errorPayload{
			Code:    wire.CodePersistence,
			Message: "could not list jobs",
		})
		return
	}
	if jobs == nil {
		jobs = []store.JobSummary{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errorPayload{
				Code:    wire.CodeValidation,
				Message: "no such job",
			})
			return
		}
		s.logger.Error("get job", "error", err)
		writeError(w, http.StatusInternalServerError, errorPayload{
			Code:    wire.CodePersistence,
			Message: "could not load job",
		})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDeleteJob removes the job row and its audio artifacts
// together.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.jobs.DeleteJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errorPayload{
				Code:    wire.CodeValidation,
				Message: "no such job",
			})
			return
		}
		s.logger.Error("delete job", "error", err)
		writeError(w, http.StatusInternalServerError, errorPayload{
			Code:    wire.CodePersistence,
			Message: "could not delete job",
		})
		return
	}
	if s.artifacts != nil {
		if err := s.artifacts.RemoveJob(jobID); err != nil {
			s.logger.Warn("remove job artifacts", "job", jobID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	ref := path.Join(chi.URLParam(r, "jobID"), chi.URLParam(r, "name"))
	reader, err := s.artifacts.Open(ref)
	if err != nil {
		http.Error(w, "no such artifact", http.StatusNotFound)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", contentTypeFor(ref))
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Debug("artifact stream interrupted", "ref", ref, "error", err)
	}
}

func contentTypeFor(ref string) string {
	switch {
	case strings.HasSuffix(ref, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(ref, ".ogg"):
		return "audio/ogg"
	}
	return "application/octet-stream"
}

func statusForCode(code string) int {
	switch code {
	case wire.CodeValidation:
		return http.StatusUnprocessableEntity
	case wire.CodeTimeout:
		return http.StatusGatewayTimeout
	case wire.CodePersistence:
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, payload errorPayload) {
	writeJSON(w, status, payload)
}
