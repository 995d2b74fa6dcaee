package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/skygames/payout-engine/internal/domain"
	"github.com/skygames/payout-engine/internal/models"
	"github.com/skygames/payout-engine/internal/observability"
	"github.com/skygames/payout-engine/internal/repository"
	"github.com/skygames/payout-engine/internal/soroban"
	"go.uber.org/zap"
)

var (
	// ErrTransactionNotFound is returned when the referenced transaction does
	// not exist.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrInvalidState is returned when an operation is attempted against a
	// transaction whose state does not allow it.
	ErrInvalidState = errors.New("transaction state does not allow this operation")
	// ErrFeeTooHigh is returned when the estimated fee exceeds the configured
	// ceiling. No record is created in that case.
	ErrFeeTooHigh = errors.New("estimated fee exceeds configured maximum")
	// ErrUnsignedEnvelope is returned when a queued envelope carries no
	// signatures.
	ErrUnsignedEnvelope = errors.New("envelope carries no signatures")
)

var (
	accountPattern        = regexp.MustCompile(`^G[A-Z2-7]{55}$`)
	idempotencyKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9:_-]{8,128}$`)
	amountPattern         = regexp.MustCompile(`^\d+(\.\d{1,7})?$`)
)

// Settings is the payout pipeline configuration the service needs.
type Settings struct {
	LiveExecution       bool
	SignWithHotKey      bool
	MaxFeeStroops       int64
	MaxSubmitAttempts   int32
	ConfirmPollInterval time.Duration
	ConfirmMaxPolls     int
	ContractID          string
	MethodName          string
	SourceAccount       string
	NetworkPassphrase   string
	HotSignerSecret     string
}

// PayoutService drives payout transactions through their lifecycle: build,
// queue, submit, confirm.
type PayoutService struct {
	store repository.TransactionLedger
	chain soroban.Client
	cfg   Settings
	log   *zap.Logger
}

// NewPayoutService wires the service.
func NewPayoutService(store repository.TransactionLedger, chain soroban.Client, cfg Settings, log *zap.Logger) *PayoutService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PayoutService{store: store, chain: chain, cfg: cfg, log: log.Named("payout")}
}

// CreatePayoutRequest is the caller's intent to settle one payout.
type CreatePayoutRequest struct {
	PayoutID       string `json:"payout_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Destination    string `json:"destination"`
	Amount         string `json:"amount"`
	Asset          string `json:"asset"`
}

// Validate enforces the request's shape before any state is touched.
func (r CreatePayoutRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PayoutID, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.IdempotencyKey, validation.Required,
			validation.Match(idempotencyKeyPattern).Error("must be 8-128 characters of [a-zA-Z0-9:_-]")),
		validation.Field(&r.Destination, validation.Required,
			validation.Match(accountPattern).Error("must be a valid account address")),
		validation.Field(&r.Amount, validation.Required,
			validation.Match(amountPattern).Error("must be a positive decimal with at most 7 fractional digits")),
		validation.Field(&r.Asset, validation.Required, validation.By(func(value any) error {
			if !models.Asset(value.(string)).Valid() {
				return fmt.Errorf("unsupported asset")
			}
			return nil
		})),
	)
}

// CreatePayoutTransaction builds and persists a new payout transaction, or
// returns the existing record when the idempotency key was seen before. The
// bool reports whether a new record was created.
func (s *PayoutService) CreatePayoutTransaction(ctx context.Context, req CreatePayoutRequest) (*models.TransactionRecord, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	if existing, err := s.store.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	stroops, err := domain.ToStroops(req.Amount)
	if err != nil {
		return nil, false, err
	}

	// The nonce is consumed even if the request fails below; gaps are fine,
	// reuse is not.
	nonce, err := s.store.ReserveNextNonce(ctx, s.cfg.SourceAccount)
	if err != nil {
		return nil, false, err
	}

	account, err := s.chain.GetAccount(ctx, s.cfg.SourceAccount)
	if err != nil {
		return nil, false, fmt.Errorf("load source account: %w", err)
	}

	unsignedXDR, err := soroban.BuildInvocation(soroban.InvocationParams{
		SourceAccount:  s.cfg.SourceAccount,
		SourceSequence: account.Sequence,
		ContractID:     s.cfg.ContractID,
		Method:         s.cfg.MethodName,
		Destination:    req.Destination,
		AmountStroops:  stroops,
		Asset:          req.Asset,
		Nonce:          nonce,
		PayoutID:       req.PayoutID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("build invocation: %w", err)
	}

	prepared, err := s.chain.PrepareTransaction(ctx, unsignedXDR)
	if err != nil {
		return nil, false, fmt.Errorf("prepare transaction: %w", err)
	}
	if prepared.FeeStroops <= 0 {
		return nil, false, fmt.Errorf("prepared fee is not positive: %d", prepared.FeeStroops)
	}
	if prepared.FeeStroops > s.cfg.MaxFeeStroops {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrFeeTooHigh, prepared.FeeStroops, s.cfg.MaxFeeStroops)
	}

	now := time.Now().UTC()
	rec := &models.TransactionRecord{
		ID:                 uuid.New(),
		PayoutID:           req.PayoutID,
		IdempotencyKey:     req.IdempotencyKey,
		SourceAccount:      s.cfg.SourceAccount,
		DestinationAccount: req.Destination,
		Asset:              models.Asset(req.Asset),
		AmountStroops:      stroops,
		Nonce:              nonce,
		Status:             models.StatusBuilt,
		UnsignedXDR:        prepared.TransactionXDR,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	switch {
	case s.cfg.LiveExecution && s.cfg.SignWithHotKey:
		signedXDR, err := soroban.SignTransaction(prepared.TransactionXDR, s.cfg.HotSignerSecret, s.cfg.NetworkPassphrase)
		if err != nil {
			return nil, false, fmt.Errorf("hot-key sign: %w", err)
		}
		rec.SignedXDR = &signedXDR
		rec.Status = models.StatusQueued
	case s.cfg.LiveExecution:
		rec.Status = models.StatusAwaitingSignature
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			// A concurrent request with the same key won the insert race.
			existing, lookupErr := s.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	observability.RecordPayoutTransition("", string(rec.Status))
	s.log.Info("payout transaction created",
		zap.String("id", rec.ID.String()),
		zap.String("payout_id", rec.PayoutID),
		zap.String("status", string(rec.Status)),
		zap.Int64("nonce", rec.Nonce))
	return rec, true, nil
}

// GetTransaction loads one record.
func (s *PayoutService) GetTransaction(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return rec, nil
}

// QueueSignedTransaction attaches an externally produced signature and moves
// the transaction to queued. Only built and awaiting_signature records accept
// a signature.
func (s *PayoutService) QueueSignedTransaction(ctx context.Context, id uuid.UUID, signedXDR string) (*models.TransactionRecord, error) {
	rec, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusBuilt && rec.Status != models.StatusAwaitingSignature {
		return nil, fmt.Errorf("%w: cannot queue from %s", ErrInvalidState, rec.Status)
	}

	tx, err := soroban.ParseTransaction(signedXDR)
	if err != nil {
		return nil, fmt.Errorf("parse signed envelope: %w", err)
	}
	if len(tx.Signatures()) == 0 {
		return nil, ErrUnsignedEnvelope
	}

	status := models.StatusQueued
	updated, err := s.store.Update(ctx, id, repository.TransactionPatch{
		Status:    &status,
		SignedXDR: &signedXDR,
	})
	if err != nil {
		return nil, err
	}
	observability.RecordPayoutTransition(string(rec.Status), string(updated.Status))
	s.log.Info("signed transaction queued", zap.String("id", id.String()))
	return updated, nil
}

// SubmitResult reports whether a submission attempt actually reached the
// network, alongside the record as it stands afterwards.
type SubmitResult struct {
	Transaction *models.TransactionRecord
	Submitted   bool
}

// SubmitQueuedTransaction pushes a queued transaction to the network. Records
// in any other state, and all records while live execution is off, pass
// through untouched.
func (s *PayoutService) SubmitQueuedTransaction(ctx context.Context, id uuid.UUID) (*SubmitResult, error) {
	rec, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusQueued || !s.cfg.LiveExecution {
		return &SubmitResult{Transaction: rec, Submitted: false}, nil
	}

	if rec.SignedXDR == nil || *rec.SignedXDR == "" {
		updated, err := s.failTransaction(ctx, rec, "queued transaction has no signed envelope")
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Transaction: updated, Submitted: false}, nil
	}

	if rec.Attempts >= s.cfg.MaxSubmitAttempts {
		updated, err := s.failTransaction(ctx, rec,
			fmt.Sprintf("gave up after %d submission attempts", rec.Attempts))
		if err != nil {
			return nil, err
		}
		return &SubmitResult{Transaction: updated, Submitted: false}, nil
	}

	attempts := rec.Attempts + 1
	result, err := s.chain.SendTransaction(ctx, *rec.SignedXDR)
	if err != nil {
		observability.RecordSubmissionOutcome("transport_error")
		msg := fmt.Sprintf("submission failed: %v", err)
		status := models.StatusFailed
		updated, updateErr := s.store.Update(ctx, rec.ID, repository.TransactionPatch{
			Status:       &status,
			ErrorMessage: &msg,
			Attempts:     &attempts,
		})
		if updateErr != nil {
			return nil, updateErr
		}
		observability.RecordPayoutTransition(string(rec.Status), string(status))
		s.log.Error("submission transport failure", zap.String("id", id.String()), zap.Error(err))
		return &SubmitResult{Transaction: updated, Submitted: false}, nil
	}

	observability.RecordSubmissionOutcome(string(result.Status))
	switch result.Status {
	case soroban.SendError:
		msg := "network rejected transaction"
		if result.ErrorResultXDR != "" {
			msg = fmt.Sprintf("network rejected transaction: %s", result.ErrorResultXDR)
		}
		status := models.StatusFailed
		updated, err := s.store.Update(ctx, rec.ID, repository.TransactionPatch{
			Status:       &status,
			TxHash:       &result.Hash,
			ErrorMessage: &msg,
			Attempts:     &attempts,
		})
		if err != nil {
			return nil, err
		}
		observability.RecordPayoutTransition(string(rec.Status), string(status))
		s.log.Warn("submission rejected",
			zap.String("id", id.String()),
			zap.String("hash", result.Hash))
		return &SubmitResult{Transaction: updated, Submitted: false}, nil

	case soroban.SendTryAgainLater:
		msg := "network busy, will retry"
		updated, err := s.store.Update(ctx, rec.ID, repository.TransactionPatch{
			ErrorMessage: &msg,
			Attempts:     &attempts,
		})
		if err != nil {
			return nil, err
		}
		s.log.Info("submission deferred", zap.String("id", id.String()), zap.Int32("attempts", attempts))
		return &SubmitResult{Transaction: updated, Submitted: false}, nil

	default:
		// PENDING and DUPLICATE both mean the network has the transaction.
		cleared := ""
		status := models.StatusSubmitted
		updated, err := s.store.Update(ctx, rec.ID, repository.TransactionPatch{
			Status:       &status,
			TxHash:       &result.Hash,
			ErrorMessage: &cleared,
			Attempts:     &attempts,
		})
		if err != nil {
			return nil, err
		}
		observability.RecordPayoutTransition(string(rec.Status), string(status))
		s.log.Info("transaction submitted",
			zap.String("id", id.String()),
			zap.String("hash", result.Hash),
			zap.Int32("attempts", attempts))
		return &SubmitResult{Transaction: updated, Submitted: true}, nil
	}
}

// ConfirmSubmittedTransaction checks the network for the settlement outcome of
// a submitted transaction. Records in any other state pass through untouched,
// as do submitted records the network has not seen yet.
func (s *PayoutService) ConfirmSubmittedTransaction(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error) {
	rec, err := s.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusSubmitted || rec.TxHash == nil || *rec.TxHash == "" {
		return rec, nil
	}

	result, err := s.chain.GetTransaction(ctx, *rec.TxHash)
	if err != nil {
		return nil, fmt.Errorf("confirmation lookup: %w", err)
	}

	switch result.Status {
	case soroban.TxSuccess:
		now := time.Now().UTC()
		cleared := ""
		status := models.StatusConfirmed
		updated, err := s.store.Update(ctx, rec.ID, repository.TransactionPatch{
			Status:       &status,
			ErrorMessage: &cleared,
			ConfirmedAt:  &now,
		})
		if err != nil {
			return nil, err
		}
		observability.RecordPayoutTransition(string(rec.Status), string(status))
		s.log.Info("transaction confirmed",
			zap.String("id", id.String()),
			zap.Uint32("ledger", result.Ledger))
		return updated, nil

	case soroban.TxFailed:
		return s.failTransaction(ctx, rec, "transaction failed on chain")

	default:
		// NOT_FOUND: not settled yet, leave the record alone.
		return rec, nil
	}
}

// PollConfirmation repeatedly checks for settlement until the record goes
// terminal or the poll budget runs out.
func (s *PayoutService) PollConfirmation(ctx context.Context, id uuid.UUID) (*models.TransactionRecord, error) {
	var rec *models.TransactionRecord
	var err error
	for i := 0; i < s.cfg.ConfirmMaxPolls; i++ {
		rec, err = s.ConfirmSubmittedTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}

		timer := time.NewTimer(s.cfg.ConfirmPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return rec, ctx.Err()
		case <-timer.C:
		}
	}
	return rec, nil
}

func (s *PayoutService) failTransaction(ctx context.Context, rec *models.TransactionRecord, msg string) (*models.TransactionRecord, error) {
	status := models.StatusFailed
	updated, err := s.store.Update(ctx, rec.ID, repository.TransactionPatch{
		Status:       &status,
		ErrorMessage: &msg,
	})
	if err != nil {
		return nil, err
	}
	observability.RecordPayoutTransition(string(rec.Status), string(status))
	s.log.Warn("transaction failed",
		zap.String("id", rec.ID.String()),
		zap.String("reason", msg))
	return updated, nil
}
