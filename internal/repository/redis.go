package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/skygames/payout-engine/internal/models"
)

// Redis is the document-store backend. Records are JSON documents with
// secondary index keys for idempotency lookups, per-status ZSETs (scored by
// creation time) for ordered listing, and INCR counters for nonce
// reservation.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing go-redis client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

var _ Store = (*Redis)(nil)

const (
	keyTx       = "payout:tx:"      // + record id -> JSON document
	keyIdem     = "payout:idem:"    // + idempotency key -> record id
	keyStatus   = "payout:status:"  // + status -> ZSET of ids scored by created_at
	keyNonce    = "payout:nonce:"   // + source account -> INCR counter
	keyToken    = "payout:token:"   // + token hash -> JSON document
	keyTokenID  = "payout:tokenid:" // + token id -> token hash
	keyTokenExp = "payout:tokens:exp"
	keyAudit    = "payout:audit" // LPUSH list, newest first
)

const updateRetries = 5

// consumeTokenScript flips the used flag inside the token document exactly
// once. Running it server-side makes the flip atomic with the used check.
var consumeTokenScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return "missing"
end
local doc = cjson.decode(raw)
if doc.used then
  return "used"
end
doc.used = true
redis.call("SET", KEYS[1], cjson.encode(doc))
return "ok"
`)

type redisToken struct {
	ID         uuid.UUID `json:"id"`
	AdminID    string    `json:"admin_id"`
	TokenHash  string    `json:"token_hash"`
	Action     string    `json:"action"`
	ResourceID string    `json:"resource_id"`
	Used       bool      `json:"used"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r *Redis) FindByIdempotencyKey(ctx context.Context, key string) (*models.TransactionRecord, error) {
	id, err := r.rdb.Get(ctx, keyIdem+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup idempotency index: %w", err)
	}
	return r.getRecord(ctx, id)
}

func (r *Redis) FindByID(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error) {
	return r.getRecord(ctx, id.String())
}

func (r *Redis) getRecord(ctx context.Context, id string) (*models.TransactionRecord, error) {
	raw, err := r.rdb.Get(ctx, keyTx+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transaction document: %w", err)
	}
	var rec models.TransactionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode transaction document: %w", err)
	}
	return &rec, nil
}

func (r *Redis) ReserveNextNonce(ctx context.Context, sourceAccount string) (int64, error) {
	nonce, err := r.rdb.Incr(ctx, keyNonce+sourceAccount).Result()
	if err != nil {
		return 0, fmt.Errorf("reserve nonce for %s: %w", sourceAccount, err)
	}
	return nonce, nil
}

func (r *Redis) Insert(ctx context.Context, record *models.TransactionRecord) error {
	reserved, err := r.rdb.SetNX(ctx, keyIdem+record.IdempotencyKey, record.ID.String(), 0).Result()
	if err != nil {
		return fmt.Errorf("reserve idempotency index: %w", err)
	}
	if !reserved {
		return ErrDuplicateKey
	}

	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode transaction document: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyTx+record.ID.String(), doc, 0)
		pipe.ZAdd(ctx, keyStatus+string(record.Status), redis.Z{
			Score:  float64(record.CreatedAt.UnixNano()),
			Member: record.ID.String(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store transaction document: %w", err)
	}
	return nil
}

// Update is an optimistic read-modify-write: WATCH on the document key so a
// concurrent writer forces a retry instead of a lost update.
func (r *Redis) Update(ctx context.Context, id uuid.UUID, patch TransactionPatch) (*models.TransactionRecord, error) {
	docKey := keyTx + id.String()

	var updated *models.TransactionRecord
	apply := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, docKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("get transaction document: %w", err)
		}
		var rec models.TransactionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decode transaction document: %w", err)
		}

		prevStatus := rec.Status
		applyPatch(&rec, patch, time.Now().UTC())

		doc, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode transaction document: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, doc, 0)
			if rec.Status != prevStatus {
				pipe.ZRem(ctx, keyStatus+string(prevStatus), rec.ID.String())
				pipe.ZAdd(ctx, keyStatus+string(rec.Status), redis.Z{
					Score:  float64(rec.CreatedAt.UnixNano()),
					Member: rec.ID.String(),
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &rec
		return nil
	}

	for i := 0; i < updateRetries; i++ {
		err := r.rdb.Watch(ctx, apply, docKey)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update transaction %s: too many concurrent writes", id)
}

func (r *Redis) ListByStatus(ctx context.Context, statuses []models.PayoutStatus, limit int) ([]models.TransactionRecord, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for _, status := range statuses {
		zs, err := r.rdb.ZRangeWithScores(ctx, keyStatus+string(status), 0, int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("range status zset %s: %w", status, err)
		}
		for _, z := range zs {
			candidates = append(candidates, scored{id: z.Member.(string), score: z.Score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].score < candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.TransactionRecord, 0, len(candidates))
	for _, c := range candidates {
		rec, err := r.getRecord(ctx, c.id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (r *Redis) InsertToken(ctx context.Context, token *models.ConfirmationToken) error {
	doc, err := json.Marshal(redisToken{
		ID:         token.ID,
		AdminID:    token.AdminID,
		TokenHash:  token.TokenHash,
		Action:     token.Action,
		ResourceID: token.ResourceID,
		Used:       token.Used,
		ExpiresAt:  token.ExpiresAt,
		CreatedAt:  token.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode token document: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyToken+token.TokenHash, doc, 0)
		pipe.Set(ctx, keyTokenID+token.ID.String(), token.TokenHash, 0)
		pipe.ZAdd(ctx, keyTokenExp, redis.Z{
			Score:  float64(token.ExpiresAt.Unix()),
			Member: token.TokenHash,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store token document: %w", err)
	}
	return nil
}

func (r *Redis) FindTokenByHash(ctx context.Context, hash string) (*models.ConfirmationToken, error) {
	raw, err := r.rdb.Get(ctx, keyToken+hash).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get token document: %w", err)
	}
	var doc redisToken
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode token document: %w", err)
	}
	return &models.ConfirmationToken{
		ID:         doc.ID,
		AdminID:    doc.AdminID,
		TokenHash:  doc.TokenHash,
		Action:     doc.Action,
		ResourceID: doc.ResourceID,
		Used:       doc.Used,
		ExpiresAt:  doc.ExpiresAt,
		CreatedAt:  doc.CreatedAt,
	}, nil
}

func (r *Redis) MarkTokenUsed(ctx context.Context, id uuid.UUID) error {
	hash, err := r.rdb.Get(ctx, keyTokenID+id.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("resolve token id: %w", err)
	}

	res, err := consumeTokenScript.Run(ctx, r.rdb, []string{keyToken + hash}).Text()
	if err != nil {
		return fmt.Errorf("consume token script: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "used":
		return ErrTokenAlreadyUsed
	case "missing":
		return ErrNotFound
	default:
		return fmt.Errorf("consume token script: unexpected result %q", res)
	}
}

func (r *Redis) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	max := fmt.Sprintf("%d", now.Unix())
	hashes, err := r.rdb.ZRangeByScore(ctx, keyTokenExp, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("range expired tokens: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	// Resolve each document's id first so the id index goes with it.
	ids := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		raw, err := r.rdb.Get(ctx, keyToken+hash).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return 0, fmt.Errorf("get expired token: %w", err)
		}
		var doc redisToken
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return 0, fmt.Errorf("decode expired token: %w", err)
		}
		ids = append(ids, doc.ID.String())
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, hash := range hashes {
			pipe.Del(ctx, keyToken+hash)
			pipe.ZRem(ctx, keyTokenExp, hash)
		}
		for _, id := range ids {
			pipe.Del(ctx, keyTokenID+id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return int64(len(hashes)), nil
}

func (r *Redis) AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	if err := r.rdb.LPush(ctx, keyAudit, doc).Err(); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAudit walks the audit list newest-first. The list is bounded by the
// lifetime of admin interventions, which is small, so a full walk is fine.
func (r *Redis) ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditLogEntry, int64, error) {
	raws, err := r.rdb.LRange(ctx, keyAudit, 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("range audit list: %w", err)
	}

	var matched []models.AuditLogEntry
	for _, raw := range raws {
		var e models.AuditLogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, 0, fmt.Errorf("decode audit entry: %w", err)
		}
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
