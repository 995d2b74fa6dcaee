package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/skygames/payout-engine/internal/models"
	"github.com/skygames/payout-engine/internal/observability"
	"github.com/skygames/payout-engine/internal/repository"
	"go.uber.org/zap"
)

// Administrative actions a confirmation token can authorize.
const (
	ActionForceResolve   = "force_resolve"
	ActionResubmit       = "resubmit"
	ActionReconciliation = "reconciliation"
)

// ReconciliationResource is the resource id reconciliation tokens are scoped
// to, since the sweep touches no single transaction.
const ReconciliationResource = "global"

var (
	// ErrTokenNotFound is returned when no token matches the presented value.
	ErrTokenNotFound = errors.New("confirmation token not found")
	// ErrTokenUsed is returned when the token was already consumed.
	ErrTokenUsed = errors.New("confirmation token already used")
	// ErrTokenExpired is returned when the token's validity window has passed.
	ErrTokenExpired = errors.New("confirmation token expired")
	// ErrTokenScopeMismatch is returned when the token was issued for a
	// different action or resource.
	ErrTokenScopeMismatch = errors.New("confirmation token scope mismatch")
	// ErrTokenAdminMismatch is returned when a different admin presents the
	// token than the one it was issued to.
	ErrTokenAdminMismatch = errors.New("confirmation token issued to a different admin")
	// ErrUnknownAction is returned for token requests naming an action outside
	// the known set.
	ErrUnknownAction = errors.New("unknown administrative action")
	// ErrInvalidTargetStatus is returned when force-resolve names a
	// non-terminal target.
	ErrInvalidTargetStatus = errors.New("target status must be confirmed or failed")
)

// Provenance carries request origin details into the audit trail.
type Provenance struct {
	IP        string
	UserAgent string
}

// AdminService implements the guarded intervention surface: every destructive
// operation requires a fresh confirmation token and leaves an audit entry
// whether it succeeds or fails.
type AdminService struct {
	store    repository.Store
	payouts  *PayoutService
	tokenTTL time.Duration
	log      *zap.Logger
}

// NewAdminService wires the service. A non-positive ttl falls back to 15
// minutes.
func NewAdminService(store repository.Store, payouts *PayoutService, tokenTTL time.Duration, log *zap.Logger) *AdminService {
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminService{store: store, payouts: payouts, tokenTTL: tokenTTL, log: log.Named("admin")}
}

func validAction(action string) bool {
	switch action {
	case ActionForceResolve, ActionResubmit, ActionReconciliation:
		return true
	}
	return false
}

// RequestToken mints a single-use confirmation token scoped to one action on
// one resource. The raw token is returned exactly once; only its hash is
// stored.
func (a *AdminService) RequestToken(ctx context.Context, adminID, action, resourceID string) (string, *models.ConfirmationToken, error) {
	if !validAction(action) {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	rawToken := hex.EncodeToString(raw)

	now := time.Now().UTC()
	token := &models.ConfirmationToken{
		ID:         uuid.New(),
		AdminID:    adminID,
		TokenHash:  hashToken(rawToken),
		Action:     action,
		ResourceID: resourceID,
		ExpiresAt:  now.Add(a.tokenTTL),
		CreatedAt:  now,
	}
	if err := a.store.InsertToken(ctx, token); err != nil {
		return "", nil, fmt.Errorf("store token: %w", err)
	}

	a.log.Info("confirmation token issued",
		zap.String("admin_id", adminID),
		zap.String("action", action),
		zap.String("resource_id", resourceID),
		zap.Time("expires_at", token.ExpiresAt))
	return rawToken, token, nil
}

// VerifyAndConsumeToken validates the presented token against the admin,
// action and resource, and burns it. The token is consumed even when the
// guarded operation afterwards fails.
func (a *AdminService) VerifyAndConsumeToken(ctx context.Context, adminID, rawToken, action, resourceID string) error {
	token, err := a.store.FindTokenByHash(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTokenNotFound
		}
		return err
	}
	if token.Used {
		return ErrTokenUsed
	}
	if time.Now().UTC().After(token.ExpiresAt) {
		return ErrTokenExpired
	}
	if token.Action != action || token.ResourceID != resourceID {
		return ErrTokenScopeMismatch
	}
	if token.AdminID != adminID {
		return ErrTokenAdminMismatch
	}

	if err := a.store.MarkTokenUsed(ctx, token.ID); err != nil {
		if errors.Is(err, repository.ErrTokenAlreadyUsed) {
			return ErrTokenUsed
		}
		return err
	}
	return nil
}

// SweepExpiredTokens removes tokens past their expiry.
func (a *AdminService) SweepExpiredTokens(ctx context.Context) (int64, error) {
	reaped, err := a.store.DeleteExpiredTokens(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		a.log.Info("expired confirmation tokens reaped", zap.Int64("count", reaped))
	}
	return reaped, nil
}

// ForceResolveInput names the transaction and the terminal state to pin it to.
type ForceResolveInput struct {
	AdminID       string
	TransactionID uuid.UUID
	TargetStatus  models.PayoutStatus
	Token         string
	Provenance    Provenance
}

// ForceResolveTransaction pins a transaction to a terminal state, bypassing
// the normal lifecycle. Requires a force_resolve token scoped to the
// transaction.
func (a *AdminService) ForceResolveTransaction(ctx context.Context, in ForceResolveInput) (*models.TransactionRecord, error) {
	if in.TargetStatus != models.StatusConfirmed && in.TargetStatus != models.StatusFailed {
		return nil, ErrInvalidTargetStatus
	}

	resource := in.TransactionID.String()
	if err := a.VerifyAndConsumeToken(ctx, in.AdminID, in.Token, ActionForceResolve, resource); err != nil {
		a.audit(ctx, in.AdminID, ActionForceResolve, "transaction", resource, in.Provenance, err, nil)
		return nil, err
	}

	rec, err := a.payouts.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		a.audit(ctx, in.AdminID, ActionForceResolve, "transaction", resource, in.Provenance, err, nil)
		return nil, err
	}

	patch := repository.TransactionPatch{Status: &in.TargetStatus}
	if in.TargetStatus == models.StatusConfirmed {
		now := time.Now().UTC()
		cleared := ""
		patch.ConfirmedAt = &now
		patch.ErrorMessage = &cleared
	} else {
		msg := "force-resolved to failed by administrator"
		patch.ErrorMessage = &msg
	}
	updated, err := a.store.Update(ctx, in.TransactionID, patch)
	if err != nil {
		a.audit(ctx, in.AdminID, ActionForceResolve, "transaction", resource, in.Provenance, err, nil)
		return nil, err
	}

	observability.RecordPayoutTransition(string(rec.Status), string(updated.Status))
	a.audit(ctx, in.AdminID, ActionForceResolve, "transaction", resource, in.Provenance, nil, map[string]any{
		"from": rec.Status,
		"to":   updated.Status,
	})
	a.log.Warn("transaction force-resolved",
		zap.String("admin_id", in.AdminID),
		zap.String("id", resource),
		zap.String("from", string(rec.Status)),
		zap.String("to", string(updated.Status)))
	return updated, nil
}

// ResubmitInput names the transaction to send back through the queue.
type ResubmitInput struct {
	AdminID       string
	TransactionID uuid.UUID
	Token         string
	Provenance    Provenance
}

// ResubmitTransaction moves a failed or stuck submitted transaction back to
// queued with a fresh attempt budget. This is the only sanctioned backward
// transition and it is always audited. Requires a resubmit token scoped to
// the transaction.
func (a *AdminService) ResubmitTransaction(ctx context.Context, in ResubmitInput) (*models.TransactionRecord, error) {
	resource := in.TransactionID.String()
	if err := a.VerifyAndConsumeToken(ctx, in.AdminID, in.Token, ActionResubmit, resource); err != nil {
		a.audit(ctx, in.AdminID, ActionResubmit, "transaction", resource, in.Provenance, err, nil)
		return nil, err
	}

	rec, err := a.payouts.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		a.audit(ctx, in.AdminID, ActionResubmit, "transaction", resource, in.Provenance, err, nil)
		return nil, err
	}
	if rec.Status != models.StatusFailed && rec.Status != models.StatusSubmitted {
		err := fmt.Errorf("%w: can only resubmit failed or stuck submitted transactions, got %s", ErrInvalidState, rec.Status)
		a.audit(ctx, in.AdminID, ActionResubmit, "transaction", resource, in.Provenance, err, nil)
		return nil, err
	}

	status := models.StatusQueued
	attempts := int32(0)
	cleared := ""
	updated, err := a.store.Update(ctx, in.TransactionID, repository.TransactionPatch{
		Status:       &status,
		Attempts:     &attempts,
		ErrorMessage: &cleared,
	})
	if err != nil {
		a.audit(ctx, in.AdminID, ActionResubmit, "transaction", resource, in.Provenance, err, nil)
		return nil, err
	}

	observability.RecordPayoutTransition(string(rec.Status), string(updated.Status))
	a.audit(ctx, in.AdminID, ActionResubmit, "transaction", resource, in.Provenance, nil, map[string]any{
		"from": rec.Status,
		"to":   updated.Status,
	})
	a.log.Warn("transaction resubmitted",
		zap.String("admin_id", in.AdminID),
		zap.String("id", resource))
	return updated, nil
}

// reconciliationBatchLimit bounds how many submitted transactions one sweep
// inspects.
const reconciliationBatchLimit = 500

// ReconciliationResult summarizes one sweep over submitted transactions.
type ReconciliationResult struct {
	Checked   int  `json:"checked"`
	Confirmed int  `json:"confirmed"`
	Failed    int  `json:"failed"`
	DryRun    bool `json:"dry_run"`
}

// ReconciliationInput configures one reconciliation sweep.
type ReconciliationInput struct {
	AdminID    string
	DryRun     bool
	Token      string
	Provenance Provenance
}

// RunReconciliation re-checks every submitted transaction against the network
// and settles the ones the chain has decided. A dry run only counts. Requires
// a reconciliation token scoped to "global".
func (a *AdminService) RunReconciliation(ctx context.Context, in ReconciliationInput) (*ReconciliationResult, error) {
	if err := a.VerifyAndConsumeToken(ctx, in.AdminID, in.Token, ActionReconciliation, ReconciliationResource); err != nil {
		a.audit(ctx, in.AdminID, ActionReconciliation, ReconciliationResource, ReconciliationResource, in.Provenance, err, nil)
		return nil, err
	}

	pending, err := a.store.ListByStatus(ctx, []models.PayoutStatus{models.StatusSubmitted}, reconciliationBatchLimit)
	if err != nil {
		a.audit(ctx, in.AdminID, ActionReconciliation, ReconciliationResource, ReconciliationResource, in.Provenance, err, nil)
		return nil, err
	}

	result := &ReconciliationResult{Checked: len(pending), DryRun: in.DryRun}
	if !in.DryRun {
		for _, rec := range pending {
			updated, err := a.payouts.ConfirmSubmittedTransaction(ctx, rec.ID)
			if err != nil {
				a.log.Warn("reconciliation check failed",
					zap.String("id", rec.ID.String()), zap.Error(err))
				continue
			}
			switch updated.Status {
			case models.StatusConfirmed:
				result.Confirmed++
			case models.StatusFailed:
				result.Failed++
			}
		}
	}

	a.audit(ctx, in.AdminID, ActionReconciliation, ReconciliationResource, ReconciliationResource, in.Provenance, nil, map[string]any{
		"checked":   result.Checked,
		"confirmed": result.Confirmed,
		"failed":    result.Failed,
		"dry_run":   result.DryRun,
	})
	a.log.Info("reconciliation sweep finished",
		zap.String("admin_id", in.AdminID),
		zap.Int("checked", result.Checked),
		zap.Int("confirmed", result.Confirmed),
		zap.Int("failed", result.Failed),
		zap.Bool("dry_run", result.DryRun))
	return result, nil
}

// maxAuditPageSize caps one audit listing page.
const maxAuditPageSize = 200

// ListAuditLogs returns audit entries newest-first plus the total match count.
// The limit is clamped to [1, 200] with a default of 50.
func (a *AdminService) ListAuditLogs(ctx context.Context, filter repository.AuditFilter) ([]models.AuditLogEntry, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > maxAuditPageSize {
		filter.Limit = maxAuditPageSize
	}
	return a.store.ListAudit(ctx, filter)
}

// audit appends one trail entry. Audit failures are logged, never propagated:
// the operation outcome already happened.
func (a *AdminService) audit(ctx context.Context, adminID, action, resourceType, resourceID string, prov Provenance, opErr error, metadata map[string]any) {
	entry := &models.AuditLogEntry{
		ID:           uuid.New(),
		AdminID:      adminID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       models.AuditStatusSuccess,
		IPAddress:    prov.IP,
		UserAgent:    prov.UserAgent,
		CreatedAt:    time.Now().UTC(),
	}
	if opErr != nil {
		entry.Status = models.AuditStatusFailed
		msg := opErr.Error()
		entry.ErrorMessage = &msg
	}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = raw
		}
	}

	observability.RecordAdminAction(action, entry.Status)
	if err := a.store.AppendAudit(ctx, entry); err != nil {
		a.log.Error("audit append failed",
			zap.String("admin_id", adminID),
			zap.String("action", action),
			zap.Error(err))
	}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
