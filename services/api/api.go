// Package api exposes the update pipeline over HTTP. Every mutation goes
// through the orchestrator; the handlers never touch the registry's write
// path directly.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"updatehub/services/audit"
	"updatehub/services/registry"
	"updatehub/services/update"
)

const defaultPresignTTL = 15 * time.Minute

// Pipeline is the slice of the orchestrator the handlers drive.
type Pipeline interface {
	Submit(ctx context.Context, desc update.Descriptor) (uuid.UUID, error)
	ResolveApproval(updateID uuid.UUID, approvalRef string) error
	AbortApproval(updateID uuid.UUID, reason string) error
	RequestRollback(ctx context.Context, updateID uuid.UUID, requestedBy, reason string) (uuid.UUID, error)
	HandleAnomaly(ctx context.Context, updateID uuid.UUID, evidence map[string]any) error
}

// Registry is the read side of the update registry served over HTTP.
type Registry interface {
	Get(ctx context.Context, id uuid.UUID) (*update.Record, error)
	List(ctx context.Context, filter registry.Filter, page registry.Page) ([]*update.Record, error)
	Stats(ctx context.Context) (registry.Stats, error)
}

// AuditReader exports the audit chain for inspection.
type AuditReader interface {
	Export(ctx context.Context) ([]audit.Entry, error)
}

// Presigner issues pre-signed archive download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// ArchiveBucket is where update bundles are retained.
	ArchiveBucket string
	// PresignTTL bounds archive download URL validity.
	PresignTTL time.Duration
}

// Store holds external dependencies required by the API layer.
type Store struct {
	Pipeline Pipeline
	Registry Registry
	Audit    AuditReader
	// Presigner is optional; without it the archive endpoint reports the
	// feature as unavailable.
	Presigner Presigner
}

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	store  *Store
	config Config
}

// New initialises the API layer with defaults applied to the configuration.
func New(store *Store, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.Pipeline == nil {
		return nil, errors.New("store pipeline is required")
	}
	if store.Registry == nil {
		return nil, errors.New("store registry is required")
	}
	if store.Audit == nil {
		return nil, errors.New("store audit reader is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}

	return &API{store: store, config: cfg}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/updates", a.handleSubmit)
		r.Get("/updates", a.handleList)
		r.Get("/updates/{id}", a.handleGet)
		r.Post("/updates/{id}/approval", a.handleApproval)
		r.Post("/updates/{id}/rollback", a.handleRollback)
		r.Get("/updates/{id}/archive", a.handleArchiveURL)
		r.Post("/watchdog/anomaly", a.handleAnomaly)
		r.Get("/stats", a.handleStats)
		r.Get("/audit", a.handleAuditExport)
		r.Get("/audit/verify", a.handleAuditVerify)
	})

	return r, nil
}
