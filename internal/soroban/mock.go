package soroban

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// MockClient is an in-process stand-in for the network, used in tests and when
// the engine runs against a mock:// RPC URL. The default behavior is
// deterministic success; individual calls can be overridden per test through
// the function hooks.
type MockClient struct {
	mu sync.Mutex

	GetAccountFn         func(ctx context.Context, accountID string) (*Account, error)
	PrepareTransactionFn func(ctx context.Context, envelopeXDR string) (*PrepareResult, error)
	SendTransactionFn    func(ctx context.Context, signedXDR string) (*SendResult, error)
	GetTransactionFn     func(ctx context.Context, hash string) (*TxResult, error)

	sequences map[string]int64
	sent      []string
	confirmed []string
}

// NewMockClient builds a mock with deterministic defaults.
func NewMockClient() *MockClient {
	return &MockClient{sequences: make(map[string]int64)}
}

var _ Client = (*MockClient)(nil)

// MockFee is the fee the default PrepareTransaction reports.
const MockFee int64 = 100_000

func (m *MockClient) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	if m.GetAccountFn != nil {
		return m.GetAccountFn(ctx, accountID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[accountID]++
	return &Account{ID: accountID, Sequence: 1000 + m.sequences[accountID]}, nil
}

func (m *MockClient) PrepareTransaction(ctx context.Context, envelopeXDR string) (*PrepareResult, error) {
	if m.PrepareTransactionFn != nil {
		return m.PrepareTransactionFn(ctx, envelopeXDR)
	}
	return &PrepareResult{TransactionXDR: envelopeXDR, FeeStroops: MockFee}, nil
}

func (m *MockClient) SendTransaction(ctx context.Context, signedXDR string) (*SendResult, error) {
	if m.SendTransactionFn != nil {
		return m.SendTransactionFn(ctx, signedXDR)
	}
	m.mu.Lock()
	m.sent = append(m.sent, signedXDR)
	m.mu.Unlock()
	return &SendResult{Status: SendPending, Hash: MockHash(signedXDR)}, nil
}

func (m *MockClient) GetTransaction(ctx context.Context, hash string) (*TxResult, error) {
	if m.GetTransactionFn != nil {
		return m.GetTransactionFn(ctx, hash)
	}
	m.mu.Lock()
	m.confirmed = append(m.confirmed, hash)
	m.mu.Unlock()
	return &TxResult{Status: TxSuccess, Ledger: 1}, nil
}

// SentCount reports how many submissions reached the default SendTransaction.
func (m *MockClient) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// ConfirmLookups reports how many hashes the default GetTransaction was asked
// about.
func (m *MockClient) ConfirmLookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.confirmed)
}

// MockHash is the deterministic hash the mock assigns a submission.
func MockHash(signedXDR string) string {
	sum := sha256.Sum256([]byte(signedXDR))
	return hex.EncodeToString(sum[:])
}
