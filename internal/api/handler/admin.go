package handler

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/skygames/payout-engine/internal/api/middleware"
	"github.com/skygames/payout-engine/internal/api/problem"
	"github.com/skygames/payout-engine/internal/models"
	"github.com/skygames/payout-engine/internal/repository"
	"github.com/skygames/payout-engine/internal/service"
	"go.uber.org/zap"
)

// AdminHandler exposes the guarded intervention surface.
type AdminHandler struct {
	admin *service.AdminService
	log   *zap.Logger
}

// NewAdminHandler wires the handler.
func NewAdminHandler(admin *service.AdminService, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{admin: admin, log: log.Named("admin_handler")}
}

func provenance(r *http.Request) service.Provenance {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return service.Provenance{IP: ip, UserAgent: r.UserAgent()}
}

type requestTokenRequest struct {
	Action     string `json:"action"`
	ResourceID string `json:"resource_id"`
}

type requestTokenResponse struct {
	Token      string    `json:"token"`
	Action     string    `json:"action"`
	ResourceID string    `json:"resource_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RequestToken mints a confirmation token for the authenticated admin. The
// raw token appears in this response and nowhere else.
func (h *AdminHandler) RequestToken(w http.ResponseWriter, r *http.Request) {
	var req requestTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ResourceID == "" {
		problem.BadRequest(w, r, "resource_id is required")
		return
	}

	raw, token, err := h.admin.RequestToken(r.Context(), middleware.SubjectFrom(r.Context()), req.Action, req.ResourceID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestTokenResponse{
		Token:      raw,
		Action:     token.Action,
		ResourceID: token.ResourceID,
		ExpiresAt:  token.ExpiresAt,
	})
}

type forceResolveRequest struct {
	TargetStatus      string `json:"target_status"`
	ConfirmationToken string `json:"confirmation_token"`
}

// ForceResolve pins a transaction to a terminal state.
func (h *AdminHandler) ForceResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req forceResolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.admin.ForceResolveTransaction(r.Context(), service.ForceResolveInput{
		AdminID:       middleware.SubjectFrom(r.Context()),
		TransactionID: id,
		TargetStatus:  models.PayoutStatus(req.TargetStatus),
		Token:         req.ConfirmationToken,
		Provenance:    provenance(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type resubmitRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
}

// Resubmit sends a failed or stuck transaction back through the queue.
func (h *AdminHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req resubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.admin.ResubmitTransaction(r.Context(), service.ResubmitInput{
		AdminID:       middleware.SubjectFrom(r.Context()),
		TransactionID: id,
		Token:         req.ConfirmationToken,
		Provenance:    provenance(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type reconciliationRequest struct {
	DryRun            bool   `json:"dry_run"`
	ConfirmationToken string `json:"confirmation_token"`
}

// Reconcile sweeps submitted transactions against the network.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconciliationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.admin.RunReconciliation(r.Context(), service.ReconciliationInput{
		AdminID:    middleware.SubjectFrom(r.Context()),
		DryRun:     req.DryRun,
		Token:      req.ConfirmationToken,
		Provenance: provenance(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type auditListResponse struct {
	Entries []models.AuditLogEntry `json:"entries"`
	Total   int64                  `json:"total"`
}

// ListAuditLogs returns the audit trail newest-first.
func (h *AdminHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter := repository.AuditFilter{
		Action:  r.URL.Query().Get("action"),
		AdminID: r.URL.Query().Get("admin_id"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			problem.BadRequest(w, r, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	entries, total, err := h.admin.ListAuditLogs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, auditListResponse{Entries: entries, Total: total})
}
