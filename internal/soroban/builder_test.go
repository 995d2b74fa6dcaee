package soroban

import (
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContractID(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	id, err := strkey.Encode(strkey.VersionByteContract, raw)
	require.NoError(t, err)
	return id
}

func testParams(t *testing.T) InvocationParams {
	t.Helper()
	return InvocationParams{
		SourceAccount:  keypair.MustRandom().Address(),
		SourceSequence: 41,
		ContractID:     testContractID(t),
		Method:         "distribute_winnings",
		Destination:    keypair.MustRandom().Address(),
		AmountStroops:  "105000000",
		Asset:          "XLM",
		Nonce:          7,
		PayoutID:       "payout-123",
	}
}

func TestBuildInvocation(t *testing.T) {
	p := testParams(t)
	envelopeXDR, err := BuildInvocation(p)
	require.NoError(t, err)
	require.NotEmpty(t, envelopeXDR)

	tx, err := ParseTransaction(envelopeXDR)
	require.NoError(t, err)

	source := tx.SourceAccount()
	assert.Equal(t, p.SourceAccount, source.AccountID)
	// The builder consumes the next sequence number.
	assert.Equal(t, p.SourceSequence+1, source.Sequence)

	ops := tx.Operations()
	require.Len(t, ops, 1)
	invoke, ok := ops[0].(*txnbuild.InvokeHostFunction)
	require.True(t, ok)
	require.Equal(t, xdr.HostFunctionTypeHostFunctionTypeInvokeContract, invoke.HostFunction.Type)

	args := invoke.HostFunction.InvokeContract
	require.NotNil(t, args)
	assert.Equal(t, "distribute_winnings", string(args.FunctionName))
	require.Len(t, args.Args, 5)

	assert.Equal(t, xdr.ScValTypeScvAddress, args.Args[0].Type)
	require.Equal(t, xdr.ScValTypeScvI128, args.Args[1].Type)
	assert.Equal(t, xdr.Uint64(105000000), args.Args[1].I128.Lo)
	assert.Equal(t, xdr.Int64(0), args.Args[1].I128.Hi)
	require.Equal(t, xdr.ScValTypeScvString, args.Args[2].Type)
	assert.Equal(t, "XLM", string(*args.Args[2].Str))
	require.Equal(t, xdr.ScValTypeScvU64, args.Args[3].Type)
	assert.Equal(t, xdr.Uint64(7), *args.Args[3].U64)
	require.Equal(t, xdr.ScValTypeScvString, args.Args[4].Type)
	assert.Equal(t, "payout-123", string(*args.Args[4].Str))
}

func TestBuildInvocation_RejectsBadInput(t *testing.T) {
	p := testParams(t)
	p.ContractID = "not-a-contract"
	_, err := BuildInvocation(p)
	assert.Error(t, err)

	p = testParams(t)
	p.Destination = "not-an-account"
	_, err = BuildInvocation(p)
	assert.Error(t, err)

	p = testParams(t)
	p.AmountStroops = "10.5"
	_, err = BuildInvocation(p)
	assert.Error(t, err)
}

func TestSignTransaction(t *testing.T) {
	signer := keypair.MustRandom()
	p := testParams(t)
	p.SourceAccount = signer.Address()

	envelopeXDR, err := BuildInvocation(p)
	require.NoError(t, err)

	signedXDR, err := SignTransaction(envelopeXDR, signer.Seed(), network.TestNetworkPassphrase)
	require.NoError(t, err)
	require.NotEqual(t, envelopeXDR, signedXDR)

	tx, err := ParseTransaction(signedXDR)
	require.NoError(t, err)
	require.Len(t, tx.Signatures(), 1)

	hash, err := tx.Hash(network.TestNetworkPassphrase)
	require.NoError(t, err)
	assert.NoError(t, signer.Verify(hash[:], tx.Signatures()[0].Signature))
}

func TestSignTransaction_BadSeed(t *testing.T) {
	p := testParams(t)
	envelopeXDR, err := BuildInvocation(p)
	require.NoError(t, err)

	_, err = SignTransaction(envelopeXDR, "SNOPE", network.TestNetworkPassphrase)
	assert.Error(t, err)
}

func TestHashHex(t *testing.T) {
	envelopeXDR, err := BuildInvocation(testParams(t))
	require.NoError(t, err)

	hash, err := HashHex(envelopeXDR, network.TestNetworkPassphrase)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	// The hash is bound to the network passphrase.
	other, err := HashHex(envelopeXDR, network.PublicNetworkPassphrase)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}
