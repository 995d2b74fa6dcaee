package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skygames/payout-engine/internal/models"
)

// Memory is the mutex-guarded in-memory backend. It is the reference
// implementation for the contract test suite and the default backend for
// local development and dry runs.
type Memory struct {
	mu            sync.Mutex
	records       map[uuid.UUID]*models.TransactionRecord
	byIdempotency map[string]uuid.UUID
	nonceBySource map[string]int64
	tokens        map[uuid.UUID]*models.ConfirmationToken
	tokensByHash  map[string]uuid.UUID
	audit         []models.AuditLogEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:       make(map[uuid.UUID]*models.TransactionRecord),
		byIdempotency: make(map[string]uuid.UUID),
		nonceBySource: make(map[string]int64),
		tokens:        make(map[uuid.UUID]*models.ConfirmationToken),
		tokensByHash:  make(map[string]uuid.UUID),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) FindByIdempotencyKey(ctx context.Context, key string) (*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byIdempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(m.records[id]), nil
}

func (m *Memory) FindByID(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *Memory) ReserveNextNonce(ctx context.Context, sourceAccount string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.nonceBySource[sourceAccount] + 1
	m.nonceBySource[sourceAccount] = next
	return next, nil
}

func (m *Memory) Insert(ctx context.Context, record *models.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byIdempotency[record.IdempotencyKey]; exists {
		return ErrDuplicateKey
	}
	m.records[record.ID] = copyRecord(record)
	m.byIdempotency[record.IdempotencyKey] = record.ID
	return nil
}

func (m *Memory) Update(ctx context.Context, id uuid.UUID, patch TransactionPatch) (*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	applyPatch(rec, patch, time.Now().UTC())
	return copyRecord(rec), nil
}

func (m *Memory) ListByStatus(ctx context.Context, statuses []models.PayoutStatus, limit int) ([]models.TransactionRecord, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[models.PayoutStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}

	var out []models.TransactionRecord
	for _, rec := range m.records {
		if _, ok := wanted[rec.Status]; ok {
			out = append(out, *copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertToken(ctx context.Context, token *models.ConfirmationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *token
	m.tokens[token.ID] = &cp
	m.tokensByHash[token.TokenHash] = token.ID
	return nil
}

func (m *Memory) FindTokenByHash(ctx context.Context, hash string) (*models.ConfirmationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.tokensByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.tokens[id]
	return &cp, nil
}

func (m *Memory) MarkTokenUsed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if token.Used {
		return ErrTokenAlreadyUsed
	}
	token.Used = true
	return nil
}

func (m *Memory) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped int64
	for id, token := range m.tokens {
		if token.ExpiresAt.Before(now) {
			delete(m.tokens, id)
			delete(m.tokensByHash, token.TokenHash)
			reaped++
		}
	}
	return reaped, nil
}

func (m *Memory) AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
		entry.ID = cp.ID
	}
	m.audit = append(m.audit, cp)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditLogEntry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []models.AuditLogEntry
	// Stored oldest-first; walk backwards for newest-first output.
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.AdminID != "" && e.AdminID != filter.AdminID {
			continue
		}
		matched = append(matched, e)
	}
	total := int64(len(matched))
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func copyRecord(rec *models.TransactionRecord) *models.TransactionRecord {
	cp := *rec
	cp.SignedXDR = copyStr(rec.SignedXDR)
	cp.TxHash = copyStr(rec.TxHash)
	cp.ErrorMessage = copyStr(rec.ErrorMessage)
	if rec.ConfirmedAt != nil {
		t := *rec.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// applyPatch mutates rec in place according to the patch semantics documented
// on TransactionPatch.
func applyPatch(rec *models.TransactionRecord, patch TransactionPatch, now time.Time) {
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.SignedXDR != nil {
		rec.SignedXDR = copyStr(patch.SignedXDR)
	}
	if patch.TxHash != nil {
		rec.TxHash = copyStr(patch.TxHash)
	}
	if patch.ErrorMessage != nil {
		if *patch.ErrorMessage == "" {
			rec.ErrorMessage = nil
		} else {
			rec.ErrorMessage = copyStr(patch.ErrorMessage)
		}
	}
	if patch.Attempts != nil {
		rec.Attempts = *patch.Attempts
	}
	if patch.ConfirmedAt != nil {
		t := *patch.ConfirmedAt
		rec.ConfirmedAt = &t
	}
	rec.UpdatedAt = now
}
