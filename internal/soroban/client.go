package soroban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"go.uber.org/zap"
)

// Client is the network boundary. Everything the engine knows about the chain
// goes through these four calls.
type Client interface {
	// GetAccount loads the ledger entry for an account, primarily for its
	// current sequence number.
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	// PrepareTransaction simulates an unsigned envelope and returns it with
	// the resource footprint and fee applied.
	PrepareTransaction(ctx context.Context, envelopeXDR string) (*PrepareResult, error)
	// SendTransaction submits a signed envelope.
	SendTransaction(ctx context.Context, signedXDR string) (*SendResult, error)
	// GetTransaction looks up the settlement status of a submitted hash.
	GetTransaction(ctx context.Context, hash string) (*TxResult, error)
}

// RPCClient talks JSON-RPC 2.0 to a Soroban RPC endpoint. Transient transport
// failures are retried with exponential backoff; RPC-level errors are not.
type RPCClient struct {
	url               string
	networkPassphrase string
	httpClient        *http.Client
	log               *zap.Logger
}

// NewRPCClient builds a client for the given endpoint.
func NewRPCClient(url, networkPassphrase string, log *zap.Logger) *RPCClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &RPCClient{
		url:               url,
		networkPassphrase: networkPassphrase,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		log:               log.Named("soroban"),
	}
}

var _ Client = (*RPCClient)(nil)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode rpc request: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build rpc request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Warn("rpc transport error, will retry", zap.String("method", method), zap.Error(err))
			return fmt.Errorf("rpc %s: %w", method, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read rpc response: %w", err)
		}
		if resp.StatusCode >= 500 {
			c.log.Warn("rpc server error, will retry", zap.String("method", method), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("rpc %s: server returned %d", method, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("rpc %s: unexpected status %d", method, resp.StatusCode))
		}

		var envelope rpcResponse
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return backoff.Permanent(fmt.Errorf("decode rpc response: %w", err))
		}
		if envelope.Error != nil {
			return backoff.Permanent(fmt.Errorf("rpc %s: %s (code %d)", method, envelope.Error.Message, envelope.Error.Code))
		}
		if result != nil {
			if err := json.Unmarshal(envelope.Result, result); err != nil {
				return backoff.Permanent(fmt.Errorf("decode rpc result: %w", err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(operation, policy)
}

type getLedgerEntriesParams struct {
	Keys []string `json:"keys"`
}

type getLedgerEntriesResult struct {
	Entries []struct {
		XDR string `json:"xdr"`
	} `json:"entries"`
}

func (c *RPCClient) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	aid, err := xdr.AddressToAccountId(accountID)
	if err != nil {
		return nil, fmt.Errorf("decode account id %q: %w", accountID, err)
	}
	key := xdr.LedgerKey{
		Type:    xdr.LedgerEntryTypeAccount,
		Account: &xdr.LedgerKeyAccount{AccountId: aid},
	}
	keyB64, err := xdr.MarshalBase64(key)
	if err != nil {
		return nil, fmt.Errorf("encode ledger key: %w", err)
	}

	var result getLedgerEntriesResult
	if err := c.call(ctx, "getLedgerEntries", getLedgerEntriesParams{Keys: []string{keyB64}}, &result); err != nil {
		return nil, err
	}
	if len(result.Entries) == 0 {
		return nil, ErrAccountNotFound
	}

	var entry xdr.LedgerEntryData
	if err := xdr.SafeUnmarshalBase64(result.Entries[0].XDR, &entry); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	account, ok := entry.GetAccount()
	if !ok {
		return nil, fmt.Errorf("ledger entry for %s is not an account", accountID)
	}
	return &Account{ID: accountID, Sequence: int64(account.SeqNum)}, nil
}

type simulateParams struct {
	Transaction string `json:"transaction"`
}

type simulateResult struct {
	TransactionData string `json:"transactionData"`
	MinResourceFee  string `json:"minResourceFee"`
	Error           string `json:"error"`
}

// PrepareTransaction runs the simulation and rebuilds the envelope with the
// returned resource footprint, raising the fee to cover the resource charge.
func (c *RPCClient) PrepareTransaction(ctx context.Context, envelopeXDR string) (*PrepareResult, error) {
	var result simulateResult
	if err := c.call(ctx, "simulateTransaction", simulateParams{Transaction: envelopeXDR}, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("simulation failed: %s", result.Error)
	}

	var sorobanData xdr.SorobanTransactionData
	if err := xdr.SafeUnmarshalBase64(result.TransactionData, &sorobanData); err != nil {
		return nil, fmt.Errorf("decode soroban transaction data: %w", err)
	}
	resourceFee, err := strconv.ParseInt(result.MinResourceFee, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse min resource fee %q: %w", result.MinResourceFee, err)
	}

	tx, err := parseTransaction(envelopeXDR)
	if err != nil {
		return nil, err
	}
	ops := tx.Operations()
	if len(ops) != 1 {
		return nil, fmt.Errorf("expected a single operation, got %d", len(ops))
	}
	invoke, ok := ops[0].(*txnbuild.InvokeHostFunction)
	if !ok {
		return nil, fmt.Errorf("operation is not a contract invocation")
	}
	invoke.Ext = xdr.TransactionExt{V: 1, SorobanData: &sorobanData}

	totalFee := int64(txnbuild.MinBaseFee) + resourceFee
	source := tx.SourceAccount()
	prepared, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: source.AccountID,
			// NewTransaction increments; hand it the pre-increment value.
			Sequence: source.Sequence - 1,
		},
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{invoke},
		BaseFee:              totalFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(invocationTimeout),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild prepared transaction: %w", err)
	}
	preparedXDR, err := prepared.Base64()
	if err != nil {
		return nil, fmt.Errorf("encode prepared transaction: %w", err)
	}
	return &PrepareResult{TransactionXDR: preparedXDR, FeeStroops: totalFee}, nil
}

type sendParams struct {
	Transaction string `json:"transaction"`
}

type sendResultPayload struct {
	Status         string `json:"status"`
	Hash           string `json:"hash"`
	ErrorResultXDR string `json:"errorResultXdr"`
}

func (c *RPCClient) SendTransaction(ctx context.Context, signedXDR string) (*SendResult, error) {
	var result sendResultPayload
	if err := c.call(ctx, "sendTransaction", sendParams{Transaction: signedXDR}, &result); err != nil {
		return nil, err
	}
	out := &SendResult{
		Status:         SendStatus(result.Status),
		Hash:           result.Hash,
		ErrorResultXDR: result.ErrorResultXDR,
	}
	if out.Hash == "" {
		// Some endpoints omit the hash on rejection; recompute locally so the
		// record keeps a traceable identifier either way.
		if hash, err := HashHex(signedXDR, c.networkPassphrase); err == nil {
			out.Hash = hash
		}
	}
	return out, nil
}

type getTransactionParams struct {
	Hash string `json:"hash"`
}

type getTransactionResult struct {
	Status string `json:"status"`
	Ledger uint32 `json:"ledger"`
}

func (c *RPCClient) GetTransaction(ctx context.Context, hash string) (*TxResult, error) {
	var result getTransactionResult
	if err := c.call(ctx, "getTransaction", getTransactionParams{Hash: hash}, &result); err != nil {
		return nil, err
	}
	return &TxResult{Status: TxStatus(result.Status), Ledger: result.Ledger}, nil
}
