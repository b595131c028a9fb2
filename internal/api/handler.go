// Package api is the HTTP surface of the engine: webhook ingress plus ops endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"lifecycle-engine/internal/common/errors"
	"lifecycle-engine/internal/common/logger"
	"lifecycle-engine/internal/common/validation"
	"lifecycle-engine/internal/models"
	"lifecycle-engine/internal/revenue"
	"lifecycle-engine/internal/scheduler"
	"lifecycle-engine/internal/supervisor"
	"lifecycle-engine/pkg/registry"
)

type Publisher interface {
	Publish(ctx context.Context, channel, applicationID string, payload interface{}) error
}

// Store is the read side the ops endpoints need.
type Store interface {
	Stats(ctx context.Context) (*models.EngineStats, error)
	ListAlerts(ctx context.Context, limit int) ([]models.SystemAlert, error)
}

type Scheduler interface {
	UrgentApplications(ctx context.Context) ([]scheduler.Urgent, error)
	Sweep(ctx context.Context) *scheduler.SweepReport
}

type Supervisor interface {
	HealthCheck(ctx context.Context) supervisor.Report
	Restart(ctx context.Context, component string) error
}

type Reconciler interface {
	Reconcile(ctx context.Context) (*revenue.ReconcileResult, error)
}

// Deps are the collaborators of Handler. Deduper, Limiter and Reconciler may be nil.
type Deps struct {
	Publisher  Publisher
	Store      Store
	Scheduler  Scheduler
	Supervisor Supervisor
	Reconciler Reconciler
	Catalog    *registry.Catalog
	Schemas    *validation.Registry
	Deduper    *Deduper
	Limiter    *RateLimiter
	Service    string
	Version    string
	Log        logger.Logger
}

type Handler struct {
	Deps
	log logger.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, log: d.Log.Named("api")}
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]interface{}{"success": false, "error": message})
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeUnknownComponent, errors.ErrCodeApplicationNotFound, errors.ErrCodeCollectionNotFound:
		return http.StatusNotFound
	case errors.ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrCodeMalformedEvent, errors.ErrCodeInvalidTransition:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
