package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ruteri/credential-registry/interfaces"
)

// healthTimeout bounds each dependency check of the health endpoint.
const healthTimeout = 3 * time.Second

// AssignRoleRequest sets the role of one party.
type AssignRoleRequest struct {
	Address interfaces.Address `json:"address"`
	Role    interfaces.Role    `json:"role"`
}

// BatchAssignRequest sets Roles[i] for Users[i] in one ledger transaction.
type BatchAssignRequest struct {
	Users []interfaces.Address `json:"users"`
	Roles []interfaces.Role    `json:"roles"`
}

// TransferAdminRequest names the party taking over the admin role.
type TransferAdminRequest struct {
	NewAdmin interfaces.Address `json:"newAdmin"`
}

// HandleAssignRole assigns a role on the ledger.
//
// URL format: POST /api/admin/roles
func (h *Handler) HandleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req AssignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	receipt, err := h.roles.AssignRole(r.Context(), caller(r).Address, req.Address, req.Role)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse(receipt))
}

// HandleBatchAssignRoles assigns several roles in one ledger transaction.
//
// URL format: POST /api/admin/roles/batch
func (h *Handler) HandleBatchAssignRoles(w http.ResponseWriter, r *http.Request) {
	var req BatchAssignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	receipt, err := h.roles.BatchAssignRoles(r.Context(), caller(r).Address, req.Users, req.Roles)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse(receipt))
}

// HandleRevokeRole unregisters a party on the ledger.
//
// URL format: DELETE /api/admin/roles/{address}
func (h *Handler) HandleRevokeRole(w http.ResponseWriter, r *http.Request) {
	user, err := interfaces.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	receipt, err := h.roles.RevokeAccess(r.Context(), caller(r).Address, user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse(receipt))
}

// HandleTransferAdmin hands the admin role to another party.
//
// URL format: POST /api/admin/transfer
func (h *Handler) HandleTransferAdmin(w http.ResponseWriter, r *http.Request) {
	var req TransferAdminRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	receipt, err := h.roles.TransferAdmin(r.Context(), caller(r).Address, req.NewAdmin)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse(receipt))
}

// requireAdmin admits only ADMIN callers.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.roles.Admit(caller(r).Address, interfaces.RoleAdmin); err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleReconcile runs one reconciliation pass over stale uploads.
//
// URL format: POST /api/admin/reconcile
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		h.writeError(w, r, interfaces.NewError(interfaces.KindNotFound, "reconciler is not configured"))
		return
	}
	report, err := h.reconciler.ReconcileOnce(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleRetentionSweep runs the retention compliance check once.
//
// URL format: POST /api/admin/retention
func (h *Handler) HandleRetentionSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.consent.CheckRetentionCompliance(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleProcessRetentionRequest carries out a deletion request opened by the
// retention sweep.
//
// URL format: POST /api/admin/retention/{id}/process
func (h *Handler) HandleProcessRetentionRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.consent.ProcessRetentionRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// HealthResponse reports the reachability of each backend.
type HealthResponse struct {
	Status     string          `json:"status"`
	Services   map[string]bool `json:"services"`
	InFlight   map[string]int  `json:"inFlight,omitempty"`
	CheckedAt  time.Time       `json:"timestamp"`
	DurationMs int64           `json:"durationMs"`
}

// HandleHealth checks the database, the object store and the ledger. It
// answers 503 when any of them is unreachable.
//
// URL format: GET /api/monitoring/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var database, objectStore, ledger bool
	var g errgroup.Group
	g.Go(func() error {
		database = h.docs.Ping(ctx) == nil
		return nil
	})
	g.Go(func() error {
		objectStore = h.objects.Available(ctx)
		return nil
	})
	g.Go(func() error {
		ledger = h.ledger.Available(ctx)
		return nil
	})
	_ = g.Wait()

	resp := HealthResponse{
		Status:     "healthy",
		Services:   map[string]bool{"database": database, "objectStore": objectStore, "ledger": ledger},
		CheckedAt:  start.UTC(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if h.pipeline != nil {
		storage, chain := h.pipeline.InFlight()
		resp.InFlight = map[string]int{"objectStore": int(storage), "ledger": int(chain)}
	}
	status := http.StatusOK
	if !database || !objectStore || !ledger {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
