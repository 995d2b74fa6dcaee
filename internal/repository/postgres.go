package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skygames/payout-engine/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Postgres is the relational backend over a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

// EnsureSchema creates the tables this backend needs if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const transactionColumns = `id, payout_id, idempotency_key, source_account, destination_account, asset,
	amount_stroops, nonce, status, unsigned_xdr, signed_xdr, tx_hash, error_message,
	attempts, created_at, updated_at, confirmed_at`

func (p *Postgres) FindByIdempotencyKey(ctx context.Context, key string) (*models.TransactionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM payout_transactions WHERE idempotency_key = $1`, transactionColumns)
	return p.scanTransaction(p.db.QueryRow(ctx, query, key))
}

func (p *Postgres) FindByID(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM payout_transactions WHERE id = $1`, transactionColumns)
	return p.scanTransaction(p.db.QueryRow(ctx, query, id))
}

// ReserveNextNonce performs an atomic upsert-and-increment on the per-source
// counter row, so concurrent reservations for the same account serialize at
// the database and never observe the same value.
func (p *Postgres) ReserveNextNonce(ctx context.Context, sourceAccount string) (int64, error) {
	query := `
		INSERT INTO nonce_counters (source_account, value) VALUES ($1, 1)
		ON CONFLICT (source_account) DO UPDATE SET value = nonce_counters.value + 1
		RETURNING value
	`
	var nonce int64
	if err := p.db.QueryRow(ctx, query, sourceAccount).Scan(&nonce); err != nil {
		return 0, fmt.Errorf("reserve nonce for %s: %w", sourceAccount, err)
	}
	return nonce, nil
}

func (p *Postgres) Insert(ctx context.Context, record *models.TransactionRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO payout_transactions (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, transactionColumns)
	_, err := p.db.Exec(ctx, query,
		record.ID, record.PayoutID, record.IdempotencyKey, record.SourceAccount,
		record.DestinationAccount, record.Asset, record.AmountStroops, record.Nonce,
		record.Status, record.UnsignedXDR, record.SignedXDR, record.TxHash,
		record.ErrorMessage, record.Attempts, record.CreatedAt, record.UpdatedAt,
		record.ConfirmedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, id uuid.UUID, patch TransactionPatch) (*models.TransactionRecord, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.SignedXDR != nil {
		add("signed_xdr", *patch.SignedXDR)
	}
	if patch.TxHash != nil {
		add("tx_hash", *patch.TxHash)
	}
	if patch.ErrorMessage != nil {
		if *patch.ErrorMessage == "" {
			sets = append(sets, "error_message = NULL")
		} else {
			add("error_message", *patch.ErrorMessage)
		}
	}
	if patch.Attempts != nil {
		add("attempts", *patch.Attempts)
	}
	if patch.ConfirmedAt != nil {
		add("confirmed_at", *patch.ConfirmedAt)
	}

	query := fmt.Sprintf(`
		UPDATE payout_transactions SET %s WHERE id = $1
		RETURNING %s
	`, strings.Join(sets, ", "), transactionColumns)
	return p.scanTransaction(p.db.QueryRow(ctx, query, args...))
}

func (p *Postgres) ListByStatus(ctx context.Context, statuses []models.PayoutStatus, limit int) ([]models.TransactionRecord, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}

	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	query := fmt.Sprintf(`
		SELECT %s FROM payout_transactions
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2
	`, transactionColumns)

	rows, err := p.db.Query(ctx, query, values, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions by status: %w", err)
	}
	defer rows.Close()

	var out []models.TransactionRecord
	for rows.Next() {
		rec, err := p.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) scanTransaction(row rowScanner) (*models.TransactionRecord, error) {
	var rec models.TransactionRecord
	err := row.Scan(
		&rec.ID, &rec.PayoutID, &rec.IdempotencyKey, &rec.SourceAccount,
		&rec.DestinationAccount, &rec.Asset, &rec.AmountStroops, &rec.Nonce,
		&rec.Status, &rec.UnsignedXDR, &rec.SignedXDR, &rec.TxHash,
		&rec.ErrorMessage, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.ConfirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) InsertToken(ctx context.Context, token *models.ConfirmationToken) error {
	query := `
		INSERT INTO confirmation_tokens (id, admin_id, token_hash, action, resource_id, used, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := p.db.Exec(ctx, query,
		token.ID, token.AdminID, token.TokenHash, token.Action,
		token.ResourceID, token.Used, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert confirmation token: %w", err)
	}
	return nil
}

func (p *Postgres) FindTokenByHash(ctx context.Context, hash string) (*models.ConfirmationToken, error) {
	query := `
		SELECT id, admin_id, token_hash, action, resource_id, used, expires_at, created_at
		FROM confirmation_tokens WHERE token_hash = $1
	`
	var token models.ConfirmationToken
	err := p.db.QueryRow(ctx, query, hash).Scan(
		&token.ID, &token.AdminID, &token.TokenHash, &token.Action,
		&token.ResourceID, &token.Used, &token.ExpiresAt, &token.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find confirmation token: %w", err)
	}
	return &token, nil
}

// MarkTokenUsed relies on the conditional UPDATE matching zero rows to detect
// a token that was consumed by a concurrent caller.
func (p *Postgres) MarkTokenUsed(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `UPDATE confirmation_tokens SET used = TRUE WHERE id = $1 AND used = FALSE`, id)
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM confirmation_tokens WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check token existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrTokenAlreadyUsed
}

func (p *Postgres) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM confirmation_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	query := `
		INSERT INTO admin_audit_log (id, admin_id, action, resource_type, resource_id, status, error_message, metadata, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := p.db.Exec(ctx, query,
		entry.ID, entry.AdminID, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.Status, entry.ErrorMessage, entry.Metadata, entry.IPAddress,
		entry.UserAgent, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (p *Postgres) ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditLogEntry, int64, error) {
	where := []string{"TRUE"}
	args := []any{}
	if filter.Action != "" {
		args = append(args, filter.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if filter.AdminID != "" {
		args = append(args, filter.AdminID)
		where = append(where, fmt.Sprintf("admin_id = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM admin_audit_log WHERE %s`, cond)
	if err := p.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`
		SELECT id, admin_id, action, resource_type, resource_id, status, error_message, metadata, ip_address, user_agent, created_at
		FROM admin_audit_log WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, cond, len(args))

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(
			&e.ID, &e.AdminID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Status, &e.ErrorMessage, &e.Metadata, &e.IPAddress,
			&e.UserAgent, &e.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
