package soroban

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRPCURL = "https://soroban-rpc.test.local"

func newTestClient(t *testing.T) *RPCClient {
	t.Helper()
	c := NewRPCClient(testRPCURL, network.TestNetworkPassphrase, nil)
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func rpcResult(t *testing.T, result any) httpmock.Responder {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":%s}`, raw)
	return httpmock.NewStringResponder(http.StatusOK, body)
}

func TestRPCClient_GetAccount(t *testing.T) {
	c := newTestClient(t)
	accountID := keypair.MustRandom().Address()

	aid, err := xdr.AddressToAccountId(accountID)
	require.NoError(t, err)
	entry := xdr.LedgerEntryData{
		Type:    xdr.LedgerEntryTypeAccount,
		Account: &xdr.AccountEntry{AccountId: aid, SeqNum: 12345},
	}
	entryB64, err := xdr.MarshalBase64(entry)
	require.NoError(t, err)

	httpmock.RegisterResponder(http.MethodPost, testRPCURL, rpcResult(t, map[string]any{
		"entries": []map[string]string{{"xdr": entryB64}},
	}))

	account, err := c.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, accountID, account.ID)
	assert.Equal(t, int64(12345), account.Sequence)
}

func TestRPCClient_GetAccount_NotFound(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testRPCURL, rpcResult(t, map[string]any{
		"entries": []map[string]string{},
	}))

	_, err := c.GetAccount(context.Background(), keypair.MustRandom().Address())
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRPCClient_SendTransaction(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testRPCURL, rpcResult(t, map[string]string{
		"status": "PENDING",
		"hash":   "abc123",
	}))

	result, err := c.SendTransaction(context.Background(), "AAAA-signed")
	require.NoError(t, err)
	assert.Equal(t, SendPending, result.Status)
	assert.Equal(t, "abc123", result.Hash)
}

func TestRPCClient_SendTransaction_Error(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testRPCURL, rpcResult(t, map[string]string{
		"status":         "ERROR",
		"hash":           "h1",
		"errorResultXdr": "AAAA-err",
	}))

	result, err := c.SendTransaction(context.Background(), "AAAA-signed")
	require.NoError(t, err)
	assert.Equal(t, SendError, result.Status)
	assert.Equal(t, "h1", result.Hash)
	assert.Equal(t, "AAAA-err", result.ErrorResultXDR)
}

func TestRPCClient_GetTransaction(t *testing.T) {
	c := newTestClient(t)

	for _, status := range []string{"SUCCESS", "FAILED", "NOT_FOUND"} {
		httpmock.RegisterResponder(http.MethodPost, testRPCURL, rpcResult(t, map[string]any{
			"status": status,
			"ledger": 42,
		}))
		result, err := c.GetTransaction(context.Background(), "somehash")
		require.NoError(t, err)
		assert.Equal(t, TxStatus(status), result.Status)
	}
}

func TestRPCClient_RPCError(t *testing.T) {
	c := newTestClient(t)
	httpmock.RegisterResponder(http.MethodPost, testRPCURL, httpmock.NewStringResponder(
		http.StatusOK,
		`{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"invalid request"}}`,
	))

	_, err := c.GetTransaction(context.Background(), "somehash")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid request")
	// RPC-level errors are not retried.
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestRPCClient_RetriesServerErrors(t *testing.T) {
	c := newTestClient(t)

	calls := 0
	httpmock.RegisterResponder(http.MethodPost, testRPCURL, func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusBadGateway, "bad gateway"), nil
		}
		return rpcResult(t, map[string]string{"status": "PENDING", "hash": "h2"})(req)
	})

	result, err := c.SendTransaction(context.Background(), "AAAA-signed")
	require.NoError(t, err)
	assert.Equal(t, SendPending, result.Status)
	assert.Equal(t, 2, calls)
}

func TestRPCClient_PrepareTransaction(t *testing.T) {
	c := newTestClient(t)

	p := testParams(t)
	envelopeXDR, err := BuildInvocation(p)
	require.NoError(t, err)

	sorobanData := xdr.SorobanTransactionData{ResourceFee: 54321}
	dataB64, err := xdr.MarshalBase64(sorobanData)
	require.NoError(t, err)

	httpmock.RegisterResponder(http.MethodPost, testRPCURL, rpcResult(t, map[string]string{
		"transactionData": dataB64,
		"minResourceFee":  "54321",
	}))

	result, err := c.PrepareTransaction(context.Background(), envelopeXDR)
	require.NoError(t, err)
	assert.Equal(t, int64(txnbuild.MinBaseFee)+54321, result.FeeStroops)

	tx, err := ParseTransaction(result.TransactionXDR)
	require.NoError(t, err)
	// Sequence and source are preserved through the rebuild.
	source := tx.SourceAccount()
	assert.Equal(t, p.SourceAccount, source.AccountID)
	assert.Equal(t, p.SourceSequence+1, source.Sequence)

	ops := tx.Operations()
	require.Len(t, ops, 1)
	invoke, ok := ops[0].(*txnbuild.InvokeHostFunction)
	require.True(t, ok)
	require.NotNil(t, invoke.Ext.SorobanData)
	assert.Equal(t, xdr.Int64(54321), invoke.Ext.SorobanData.ResourceFee)
}

func TestRPCClient_PrepareTransaction_SimulationError(t *testing.T) {
	c := newTestClient(t)

	envelopeXDR, err := BuildInvocation(testParams(t))
	require.NoError(t, err)

	httpmock.RegisterResponder(http.MethodPost, testRPCURL, rpcResult(t, map[string]string{
		"error": "HostError: contract trapped",
	}))

	_, err = c.PrepareTransaction(context.Background(), envelopeXDR)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulation failed")
}
