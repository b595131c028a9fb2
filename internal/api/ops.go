package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const defaultAlertLimit = 50

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": h.Service,
		"version": h.Version,
	})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	report := h.Supervisor.HealthCheck(r.Context())
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, report)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.Stats(r.Context())
	if err != nil {
		h.log.Error("failed to load stats", map[string]interface{}{"error": err.Error()})
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleUrgent(w http.ResponseWriter, r *http.Request) {
	urgent, err := h.Scheduler.UrgentApplications(r.Context())
	if err != nil {
		h.log.Error("failed to list urgent applications", map[string]interface{}{"error": err.Error()})
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"count": len(urgent), "applications": urgent})
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts, err := h.Store.ListAlerts(r.Context(), limit)
	if err != nil {
		h.log.Error("failed to list alerts", map[string]interface{}{"error": err.Error()})
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, alerts)
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Catalog)
}

func (h *Handler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Supervisor.HealthCheck(r.Context()))
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	component := chi.URLParam(r, "component")
	if err := h.Supervisor.Restart(r.Context(), component); err != nil {
		h.log.Warn("restart request failed", map[string]interface{}{"component": component, "error": err.Error()})
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true, "component": component})
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.Scheduler.Sweep(r.Context()))
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		respondWithError(w, http.StatusNotImplemented, "revenue ledger not configured")
		return
	}
	result, err := h.Reconciler.Reconcile(r.Context())
	if err != nil {
		h.log.Error("reconcile request failed", map[string]interface{}{"error": err.Error()})
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}
