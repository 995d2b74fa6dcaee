package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PayoutStatus is the lifecycle state of a payout transaction.
type PayoutStatus string

const (
	StatusBuilt             PayoutStatus = "built"
	StatusAwaitingSignature PayoutStatus = "awaiting_signature"
	StatusQueued            PayoutStatus = "queued"
	StatusSubmitted         PayoutStatus = "submitted"
	StatusConfirmed         PayoutStatus = "confirmed"
	StatusFailed            PayoutStatus = "failed"
)

// Terminal reports whether the status is a permanent end state.
func (s PayoutStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Asset is one of the assets the payout contract can distribute.
type Asset string

const (
	AssetXLM  Asset = "XLM"
	AssetUSDC Asset = "USDC"
)

// SupportedAssets lists every asset the engine accepts.
var SupportedAssets = []Asset{AssetXLM, AssetUSDC}

// Valid reports whether the asset is one of the supported set.
func (a Asset) Valid() bool {
	for _, s := range SupportedAssets {
		if a == s {
			return true
		}
	}
	return false
}

// TransactionRecord is the durable unit of settlement: one row per logical
// payout request, keyed by id and by the caller's idempotency key. Records are
// never deleted; terminal rows are the permanent audit trail.
type TransactionRecord struct {
	ID                 uuid.UUID    `json:"id"`
	PayoutID           string       `json:"payout_id"`
	IdempotencyKey     string       `json:"idempotency_key"`
	SourceAccount      string       `json:"source_account"`
	DestinationAccount string       `json:"destination_account"`
	Asset              Asset        `json:"asset"`
	AmountStroops      string       `json:"amount_stroops"`
	Nonce              int64        `json:"nonce"`
	Status             PayoutStatus `json:"status"`
	UnsignedXDR        string       `json:"unsigned_xdr"`
	SignedXDR          *string      `json:"signed_xdr"`
	TxHash             *string      `json:"tx_hash"`
	ErrorMessage       *string      `json:"error_message"`
	Attempts           int32        `json:"attempts"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	ConfirmedAt        *time.Time   `json:"confirmed_at"`
}

// ConfirmationToken grants one admin one destructive action on one resource.
// Only the SHA-256 hash of the raw token is ever persisted.
type ConfirmationToken struct {
	ID         uuid.UUID `json:"id"`
	AdminID    string    `json:"admin_id"`
	TokenHash  string    `json:"-"`
	Action     string    `json:"action"`
	ResourceID string    `json:"resource_id"`
	Used       bool      `json:"used"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Audit entry outcomes.
const (
	AuditStatusSuccess = "success"
	AuditStatusFailed  = "failed"
)

// AuditLogEntry is an append-only record of an administrative action attempt.
type AuditLogEntry struct {
	ID           uuid.UUID       `json:"id"`
	AdminID      string          `json:"admin_id"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Status       string          `json:"status"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
