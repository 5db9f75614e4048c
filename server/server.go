// Package server is the backend half of the recording flow: the live
// session websocket, the job upload and retrieval API, and artifact
// serving. It owns no session policy beyond the wire protocol; the
// heavy lifting happens in the stt engine and the finalization
// pipeline.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/beingfastian/APD-Listener-Tool/pipeline"
	"github.com/beingfastian/APD-Listener-Tool/store"
	"github.com/beingfastian/APD-Listener-Tool/stt"
)

type Server struct {
	jobs      store.Store
	artifacts *store.ArtifactStore
	pipeline  *pipeline.Pipeline
	live      stt.Engine
	logger    *log.Logger
	upgrader  websocket.Upgrader
}

func New(
	jobs store.Store,
	artifacts *store.ArtifactStore,
	p *pipeline.Pipeline,
	live stt.Engine,
	logger *log.Logger,
) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		jobs:      jobs,
		artifacts: artifacts,
		pipeline:  p,
		live:      live,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws/session", s.handleSession)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{jobID}", s.handleGetJob)
		r.Delete("/{jobID}", s.handleDeleteJob)
	})
	r.Get("/artifacts/{jobID}/{name}", s.handleArtifact)

	return r
}

func (s *Server) ListenAndServe(port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", "url", fmt.Sprintf("http://localhost:%d", port))
	return srv.ListenAndServe()
}
