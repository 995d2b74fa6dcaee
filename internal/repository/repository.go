package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/skygames/payout-engine/internal/models"
)

var (
	// ErrNotFound is returned for lookups that match no record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey is returned when an insert violates idempotency-key
	// uniqueness. Callers are expected to fall back to re-reading the
	// winning record.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
	// ErrTokenAlreadyUsed is returned by MarkTokenUsed when the token's used
	// flag had already been flipped.
	ErrTokenAlreadyUsed = errors.New("confirmation token already used")
)

// TransactionPatch is a partial update applied via Update. Nil fields are left
// untouched. ErrorMessage pointing at the empty string clears the stored
// message to null. The record id and created_at can never be changed.
type TransactionPatch struct {
	Status       *models.PayoutStatus
	SignedXDR    *string
	TxHash       *string
	ErrorMessage *string
	Attempts     *int32
	ConfirmedAt  *time.Time
}

// TransactionLedger is the durable store of payout transaction records.
// Implementations must enforce idempotency-key uniqueness and make nonce
// reservation atomic per source account.
type TransactionLedger interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*models.TransactionRecord, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error)
	// ReserveNextNonce returns the next strictly-increasing nonce for the
	// source account. Reserved nonces are never reused, even when the
	// surrounding request later fails.
	ReserveNextNonce(ctx context.Context, sourceAccount string) (int64, error)
	Insert(ctx context.Context, record *models.TransactionRecord) error
	// Update applies the patch to the record with the given id, bumps
	// updated_at, and returns the updated record. ErrNotFound if unknown.
	Update(ctx context.Context, id uuid.UUID, patch TransactionPatch) (*models.TransactionRecord, error)
	// ListByStatus returns up to limit records in any of the given states,
	// ordered oldest-created first.
	ListByStatus(ctx context.Context, statuses []models.PayoutStatus, limit int) ([]models.TransactionRecord, error)
}

// TokenStore persists confirmation tokens by hash.
type TokenStore interface {
	InsertToken(ctx context.Context, token *models.ConfirmationToken) error
	FindTokenByHash(ctx context.Context, hash string) (*models.ConfirmationToken, error)
	// MarkTokenUsed flips used false->true exactly once; a second call for
	// the same token returns ErrTokenAlreadyUsed.
	MarkTokenUsed(ctx context.Context, id uuid.UUID) error
	// DeleteExpiredTokens reaps tokens past their expiry; returns the count.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// AuditFilter narrows an audit-log listing. Zero values mean "any".
type AuditFilter struct {
	Action  string
	AdminID string
	Limit   int
}

// AuditStore is the append-only audit trail. Entries are never mutated or
// deleted.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error
	// ListAudit returns matching entries newest-first plus the total match
	// count (ignoring the limit).
	ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditLogEntry, int64, error)
}

// Store bundles the three persistence contracts the engine needs. Every
// backend (memory, postgres, redis) satisfies the full set.
type Store interface {
	TransactionLedger
	TokenStore
	AuditStore
}
