package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/skygames/payout-engine/internal/models"
	"github.com/skygames/payout-engine/internal/repository"
	"github.com/skygames/payout-engine/internal/soroban"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContractID(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	id, err := strkey.Encode(strkey.VersionByteContract, raw)
	require.NoError(t, err)
	return id
}

type testEnv struct {
	svc    *PayoutService
	store  *repository.Memory
	chain  *soroban.MockClient
	signer *keypair.Full
	cfg    Settings
}

func newTestEnv(t *testing.T, mutate func(*Settings)) *testEnv {
	t.Helper()
	signer := keypair.MustRandom()
	cfg := Settings{
		LiveExecution:       true,
		SignWithHotKey:      true,
		MaxFeeStroops:       2_000_000,
		MaxSubmitAttempts:   5,
		ConfirmPollInterval: time.Millisecond,
		ConfirmMaxPolls:     20,
		ContractID:          testContractID(t),
		MethodName:          "distribute_winnings",
		SourceAccount:       signer.Address(),
		NetworkPassphrase:   network.TestNetworkPassphrase,
		HotSignerSecret:     signer.Seed(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store := repository.NewMemory()
	chain := soroban.NewMockClient()
	return &testEnv{
		svc:    NewPayoutService(store, chain, cfg, nil),
		store:  store,
		chain:  chain,
		signer: signer,
		cfg:    cfg,
	}
}

func payoutRequest(n int) CreatePayoutRequest {
	return CreatePayoutRequest{
		PayoutID:       fmt.Sprintf("payout-%d", n),
		IdempotencyKey: fmt.Sprintf("payout:settle:%d:v1", n),
		Destination:    keypair.MustRandom().Address(),
		Amount:         "10.5",
		Asset:          "XLM",
	}
}

func TestCreatePayoutRequest_Validation(t *testing.T) {
	valid := payoutRequest(1)
	require.NoError(t, valid.Validate())

	cases := map[string]func(*CreatePayoutRequest){
		"missing payout id":     func(r *CreatePayoutRequest) { r.PayoutID = "" },
		"short idempotency key": func(r *CreatePayoutRequest) { r.IdempotencyKey = "short" },
		"bad idempotency chars": func(r *CreatePayoutRequest) { r.IdempotencyKey = "has spaces in it" },
		"bad destination":       func(r *CreatePayoutRequest) { r.Destination = "not-an-address" },
		"negative amount":       func(r *CreatePayoutRequest) { r.Amount = "-1" },
		"too many decimals":     func(r *CreatePayoutRequest) { r.Amount = "1.00000001" },
		"unsupported asset":     func(r *CreatePayoutRequest) { r.Asset = "DOGE" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := payoutRequest(1)
			mutate(&req)
			assert.Error(t, req.Validate())
		})
	}
}

func TestCreatePayoutTransaction_HotKey(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, created, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusQueued, rec.Status)
	require.NotNil(t, rec.SignedXDR)
	assert.NotEmpty(t, *rec.SignedXDR)
	assert.Equal(t, "105000000", rec.AmountStroops)
	assert.Equal(t, int64(1), rec.Nonce)
	assert.Equal(t, env.cfg.SourceAccount, rec.SourceAccount)
}

func TestCreatePayoutTransaction_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	req := payoutRequest(1)
	first, created, err := env.svc.CreatePayoutTransaction(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	// Same key again, even with different payload details, returns the
	// original record untouched.
	req.Amount = "999"
	second, created, err := env.svc.CreatePayoutTransaction(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "105000000", second.AmountStroops)

	// A different key gets a fresh record and the next nonce.
	third, created, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(2))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, int64(2), third.Nonce)
}

func TestCreatePayoutTransaction_StatusByMode(t *testing.T) {
	t.Run("live without hot key awaits signature", func(t *testing.T) {
		env := newTestEnv(t, func(c *Settings) { c.SignWithHotKey = false })
		rec, _, err := env.svc.CreatePayoutTransaction(context.Background(), payoutRequest(1))
		require.NoError(t, err)
		assert.Equal(t, models.StatusAwaitingSignature, rec.Status)
		assert.Nil(t, rec.SignedXDR)
	})

	t.Run("dry run stays built", func(t *testing.T) {
		env := newTestEnv(t, func(c *Settings) {
			c.LiveExecution = false
			c.SignWithHotKey = false
		})
		rec, _, err := env.svc.CreatePayoutTransaction(context.Background(), payoutRequest(1))
		require.NoError(t, err)
		assert.Equal(t, models.StatusBuilt, rec.Status)
	})
}

func TestCreatePayoutTransaction_FeeTooHigh(t *testing.T) {
	env := newTestEnv(t, nil)
	env.chain.PrepareTransactionFn = func(ctx context.Context, envelopeXDR string) (*soroban.PrepareResult, error) {
		return &soroban.PrepareResult{TransactionXDR: envelopeXDR, FeeStroops: env.cfg.MaxFeeStroops + 1}, nil
	}
	ctx := context.Background()

	req := payoutRequest(1)
	_, _, err := env.svc.CreatePayoutTransaction(ctx, req)
	require.ErrorIs(t, err, ErrFeeTooHigh)

	// No record was persisted.
	_, err = env.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// The reserved nonce is gone for good.
	next, err := env.store.ReserveNextNonce(ctx, env.cfg.SourceAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
}

func TestQueueSignedTransaction(t *testing.T) {
	env := newTestEnv(t, func(c *Settings) { c.SignWithHotKey = false })
	ctx := context.Background()

	rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)
	require.Equal(t, models.StatusAwaitingSignature, rec.Status)

	signedXDR, err := soroban.SignTransaction(rec.UnsignedXDR, env.signer.Seed(), env.cfg.NetworkPassphrase)
	require.NoError(t, err)

	queued, err := env.svc.QueueSignedTransaction(ctx, rec.ID, signedXDR)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, queued.Status)
	require.NotNil(t, queued.SignedXDR)
	assert.Equal(t, signedXDR, *queued.SignedXDR)

	// Queued records do not accept another signature.
	_, err = env.svc.QueueSignedTransaction(ctx, rec.ID, signedXDR)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestQueueSignedTransaction_RejectsUnsignedEnvelope(t *testing.T) {
	env := newTestEnv(t, func(c *Settings) { c.SignWithHotKey = false })
	ctx := context.Background()

	rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)

	_, err = env.svc.QueueSignedTransaction(ctx, rec.ID, rec.UnsignedXDR)
	assert.ErrorIs(t, err, ErrUnsignedEnvelope)

	_, err = env.svc.QueueSignedTransaction(ctx, rec.ID, "garbage")
	assert.Error(t, err)
}

func TestSubmitQueuedTransaction_HappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)

	out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, out.Submitted)
	assert.Equal(t, models.StatusSubmitted, out.Transaction.Status)
	require.NotNil(t, out.Transaction.TxHash)
	assert.NotEmpty(t, *out.Transaction.TxHash)
	assert.Equal(t, int32(1), out.Transaction.Attempts)
	assert.Nil(t, out.Transaction.ErrorMessage)

	confirmed, err := env.svc.ConfirmSubmittedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
}

func TestSubmitQueuedTransaction_Noops(t *testing.T) {
	t.Run("not queued", func(t *testing.T) {
		env := newTestEnv(t, func(c *Settings) { c.SignWithHotKey = false })
		ctx := context.Background()
		rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
		require.NoError(t, err)

		out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, out.Submitted)
		assert.Equal(t, models.StatusAwaitingSignature, out.Transaction.Status)
		assert.Zero(t, env.chain.SentCount())
	})

	t.Run("live execution off", func(t *testing.T) {
		env := newTestEnv(t, nil)
		ctx := context.Background()
		rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
		require.NoError(t, err)

		// Flip to dry-run after the record queued.
		env.cfg.LiveExecution = false
		env.svc = NewPayoutService(env.store, env.chain, env.cfg, nil)

		out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, out.Submitted)
		assert.Equal(t, models.StatusQueued, out.Transaction.Status)
		assert.Zero(t, env.chain.SentCount())
	})
}

func TestSubmitQueuedTransaction_MissingEnvelope(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// A queued record with no signed envelope should never exist, but if one
	// does the submitter fails it instead of crashing.
	now := time.Now().UTC()
	rec := &models.TransactionRecord{
		ID:                 uuid.New(),
		PayoutID:           "payout-x",
		IdempotencyKey:     "payout:x:00000001",
		SourceAccount:      env.cfg.SourceAccount,
		DestinationAccount: keypair.MustRandom().Address(),
		Asset:              models.AssetXLM,
		AmountStroops:      "1",
		Nonce:              99,
		Status:             models.StatusQueued,
		UnsignedXDR:        "AAAA",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, env.store.Insert(ctx, rec))

	out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, out.Submitted)
	assert.Equal(t, models.StatusFailed, out.Transaction.Status)
	require.NotNil(t, out.Transaction.ErrorMessage)
	assert.Zero(t, env.chain.SentCount())
}

func TestSubmitQueuedTransaction_Rejection(t *testing.T) {
	env := newTestEnv(t, nil)
	env.chain.SendTransactionFn = func(ctx context.Context, signedXDR string) (*soroban.SendResult, error) {
		return &soroban.SendResult{Status: soroban.SendError, Hash: "h1", ErrorResultXDR: "AAAA-err"}, nil
	}
	ctx := context.Background()

	rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)

	out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, out.Submitted)
	assert.Equal(t, models.StatusFailed, out.Transaction.Status)
	require.NotNil(t, out.Transaction.TxHash)
	assert.Equal(t, "h1", *out.Transaction.TxHash)
	require.NotNil(t, out.Transaction.ErrorMessage)
	assert.Contains(t, *out.Transaction.ErrorMessage, "rejected")
	assert.Equal(t, int32(1), out.Transaction.Attempts)
}

func TestSubmitQueuedTransaction_BoundedRetries(t *testing.T) {
	env := newTestEnv(t, func(c *Settings) { c.MaxSubmitAttempts = 3 })
	sends := 0
	env.chain.SendTransactionFn = func(ctx context.Context, signedXDR string) (*soroban.SendResult, error) {
		sends++
		return &soroban.SendResult{Status: soroban.SendTryAgainLater}, nil
	}
	ctx := context.Background()

	rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, out.Submitted)
		assert.Equal(t, models.StatusQueued, out.Transaction.Status)
		assert.Equal(t, int32(i), out.Transaction.Attempts)
	}
	require.Equal(t, 3, sends)

	// The budget is spent: the next attempt fails the record without touching
	// the network.
	out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Transaction.Status)
	assert.Equal(t, 3, sends)
}

func TestSubmitQueuedTransaction_TransportFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.chain.SendTransactionFn = func(ctx context.Context, signedXDR string) (*soroban.SendResult, error) {
		return nil, fmt.Errorf("connection reset")
	}
	ctx := context.Background()

	rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)

	out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, out.Transaction.Status)
	require.NotNil(t, out.Transaction.ErrorMessage)
	assert.Contains(t, *out.Transaction.ErrorMessage, "connection reset")
}

func TestSubmitQueuedTransaction_Duplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.chain.SendTransactionFn = func(ctx context.Context, signedXDR string) (*soroban.SendResult, error) {
		return &soroban.SendResult{Status: soroban.SendDuplicate, Hash: "h2"}, nil
	}
	ctx := context.Background()

	rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)

	out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	// The network already has it; treat like an accepted submission.
	assert.True(t, out.Submitted)
	assert.Equal(t, models.StatusSubmitted, out.Transaction.Status)
}

func TestConfirmSubmittedTransaction_Outcomes(t *testing.T) {
	ctx := context.Background()

	submit := func(t *testing.T, env *testEnv) *models.TransactionRecord {
		t.Helper()
		rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
		require.NoError(t, err)
		out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusSubmitted, out.Transaction.Status)
		return out.Transaction
	}

	t.Run("not found leaves record untouched", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.chain.GetTransactionFn = func(ctx context.Context, hash string) (*soroban.TxResult, error) {
			return &soroban.TxResult{Status: soroban.TxNotFound}, nil
		}
		rec := submit(t, env)

		got, err := env.svc.ConfirmSubmittedTransaction(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSubmitted, got.Status)
		assert.Nil(t, got.ConfirmedAt)
	})

	t.Run("failed on chain", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.chain.GetTransactionFn = func(ctx context.Context, hash string) (*soroban.TxResult, error) {
			return &soroban.TxResult{Status: soroban.TxFailed}, nil
		}
		rec := submit(t, env)

		got, err := env.svc.ConfirmSubmittedTransaction(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
	})

	t.Run("non-submitted records are untouched", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
		require.NoError(t, err)

		got, err := env.svc.ConfirmSubmittedTransaction(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, got.Status)
		assert.Zero(t, env.chain.ConfirmLookups())
	})
}

func TestPollConfirmation(t *testing.T) {
	env := newTestEnv(t, func(c *Settings) {
		c.ConfirmPollInterval = time.Millisecond
		c.ConfirmMaxPolls = 5
	})
	ctx := context.Background()

	lookups := 0
	env.chain.GetTransactionFn = func(ctx context.Context, hash string) (*soroban.TxResult, error) {
		lookups++
		if lookups < 3 {
			return &soroban.TxResult{Status: soroban.TxNotFound}, nil
		}
		return &soroban.TxResult{Status: soroban.TxSuccess, Ledger: 7}, nil
	}

	rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)
	_, err = env.svc.SubmitQueuedTransaction(ctx, rec.ID)
	require.NoError(t, err)

	got, err := env.svc.PollConfirmation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, 3, lookups)
}

func TestLifecycleIsForwardOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec, _, err := env.svc.CreatePayoutTransaction(ctx, payoutRequest(1))
	require.NoError(t, err)
	_, err = env.svc.SubmitQueuedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	confirmed, err := env.svc.ConfirmSubmittedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusConfirmed, confirmed.Status)

	// Terminal records pass through every lifecycle operation unchanged.
	out, err := env.svc.SubmitQueuedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, out.Transaction.Status)

	got, err := env.svc.ConfirmSubmittedTransaction(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)

	_, err = env.svc.QueueSignedTransaction(ctx, rec.ID, "AAAA")
	assert.ErrorIs(t, err, ErrInvalidState)
}
