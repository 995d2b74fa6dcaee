package handler

import (
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/skygames/payout-engine/internal/api/problem"
	"github.com/skygames/payout-engine/internal/models"
	"github.com/skygames/payout-engine/internal/service"
	"go.uber.org/zap"
)

// PayoutHandler exposes the payout lifecycle over HTTP.
type PayoutHandler struct {
	payouts *service.PayoutService
	log     *zap.Logger
}

// NewPayoutHandler wires the handler.
func NewPayoutHandler(payouts *service.PayoutService, log *zap.Logger) *PayoutHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PayoutHandler{payouts: payouts, log: log.Named("payout_handler")}
}

type createResponse struct {
	Mode        string `json:"mode"`
	UnsignedXDR string `json:"unsigned_xdr"`
	Transaction any    `json:"transaction"`
}

// Create builds a payout transaction. Replays of a known idempotency key
// return the original record with 200 instead of 201.
func (h *PayoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePayoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, created, err := h.payouts.CreatePayoutTransaction(r.Context(), req)
	if err != nil {
		var verrs validation.Errors
		if errors.As(err, &verrs) {
			problem.UnprocessableEntity(w, r, verrs.Error())
			return
		}
		writeServiceError(w, r, err)
		return
	}

	// Anything short of queued still needs action before submission, so only
	// queued reports itself as such.
	mode := "build_only"
	if rec.Status == models.StatusQueued {
		mode = "queued"
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createResponse{Mode: mode, UnsignedXDR: rec.UnsignedXDR, Transaction: rec})
}

// Get returns one transaction.
func (h *PayoutHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.payouts.GetTransaction(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type attachSignatureRequest struct {
	SignedXDR string `json:"signed_xdr"`
}

// AttachSignature accepts an externally signed envelope and queues the
// transaction.
func (h *PayoutHandler) AttachSignature(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req attachSignatureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SignedXDR == "" {
		problem.BadRequest(w, r, "signed_xdr is required")
		return
	}

	rec, err := h.payouts.QueueSignedTransaction(r.Context(), id, req.SignedXDR)
	if err != nil {
		if errors.Is(err, service.ErrInvalidState) ||
			errors.Is(err, service.ErrTransactionNotFound) ||
			errors.Is(err, service.ErrUnsignedEnvelope) {
			writeServiceError(w, r, err)
			return
		}
		problem.UnprocessableEntity(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type submitResponse struct {
	Transaction any  `json:"transaction"`
	Submitted   bool `json:"submitted"`
}

// Submit pushes a queued transaction to the network now instead of waiting
// for the worker.
func (h *PayoutHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	out, err := h.payouts.SubmitQueuedTransaction(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Transaction: out.Transaction, Submitted: out.Submitted})
}

// Confirm runs one settlement check. With ?wait=true it polls until the
// record goes terminal or the poll budget runs out.
func (h *PayoutHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var err error
	var rec any
	if r.URL.Query().Get("wait") == "true" {
		rec, err = h.payouts.PollConfirmation(r.Context(), id)
	} else {
		rec, err = h.payouts.ConfirmSubmittedTransaction(r.Context(), id)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
