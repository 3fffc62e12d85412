// Package registry exposes the Docker Registry HTTP API v2 surface of
// the pull-through cache.
package registry

import (
	"context"
	"net/http"
	"strconv"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"stevedore/internal/config"
	"stevedore/internal/middleware"
	"stevedore/internal/mirror"
	"stevedore/internal/ref"
	"stevedore/internal/store"
)

// Mirror is the pull-through surface the handlers need.
type Mirror interface {
	ServeManifest(ctx context.Context, method, repository string, dgst digest.Digest, opts *store.ReadOptions) (*mirror.Response, error)
	ServeBlob(ctx context.Context, method, repository string, dgst digest.Digest, opts *store.ReadOptions) (*mirror.Response, error)
	ResolveTag(ctx context.Context, repository string, tag ref.Tag) (digest.Digest, error)
	Import(ctx context.Context, repository string, tag ref.Tag) (digest.Digest, error)
}

type Server struct {
	config *config.Config
	mirror Mirror
	mux    *http.ServeMux
}

func NewServer(cfg *config.Config, m Mirror) *Server {
	s := &Server{
		config: cfg,
		mirror: m,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Docker Registry API v2 endpoints using Go 1.22+ ServeMux patterns.
	// GET patterns also match HEAD.
	s.mux.HandleFunc("GET /{$}", s.handleBase)
	s.mux.HandleFunc("GET /v2/{$}", s.handleBase)
	s.mux.HandleFunc("GET /v2/{name}/manifests/{reference}", s.handleManifest)
	s.mux.HandleFunc("GET /v2/{name}/blobs/{digest}", s.handleBlob)
	s.mux.HandleFunc("POST /v2/{name}/manifests/{reference}/_import", s.handleImport)
	s.mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) Start(ctx context.Context) error {
	addr := ":" + strconv.Itoa(s.config.Server.Port)

	handler := middleware.Chain(
		middleware.PanicRecovery,
		middleware.RequestLogger,
	)(s.mux)

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	log.Info().Str("address", addr).Msg("Registry cache server starting")

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		log.Info().Msg("Registry cache server shutting down...")
		return server.Shutdown(context.Background())
	}
}
