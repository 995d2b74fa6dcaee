package soroban

import (
	"fmt"
	"strconv"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
)

// invocationTimeout bounds how long a built envelope stays valid, in seconds.
const invocationTimeout = 300

// InvocationParams describes one contract call to build.
type InvocationParams struct {
	SourceAccount  string
	SourceSequence int64
	ContractID     string
	Method         string
	Destination    string
	AmountStroops  string
	Asset          string
	Nonce          int64
	PayoutID       string
}

// BuildInvocation assembles an unsigned transaction envelope invoking the
// payout contract with (destination, amount i128, asset, nonce u64, payout id)
// and returns its base64 XDR.
func BuildInvocation(p InvocationParams) (string, error) {
	contractAddr, err := contractAddress(p.ContractID)
	if err != nil {
		return "", err
	}
	destAddr, err := accountAddress(p.Destination)
	if err != nil {
		return "", err
	}

	amount, err := strconv.ParseUint(p.AmountStroops, 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse amount stroops %q: %w", p.AmountStroops, err)
	}

	asset := xdr.ScString(p.Asset)
	payoutID := xdr.ScString(p.PayoutID)
	nonce := xdr.Uint64(p.Nonce)
	args := []xdr.ScVal{
		{Type: xdr.ScValTypeScvAddress, Address: &destAddr},
		{Type: xdr.ScValTypeScvI128, I128: &xdr.Int128Parts{Hi: 0, Lo: xdr.Uint64(amount)}},
		{Type: xdr.ScValTypeScvString, Str: &asset},
		{Type: xdr.ScValTypeScvU64, U64: &nonce},
		{Type: xdr.ScValTypeScvString, Str: &payoutID},
	}

	op := &txnbuild.InvokeHostFunction{
		HostFunction: xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: contractAddr,
				FunctionName:    xdr.ScSymbol(p.Method),
				Args:            args,
			},
		},
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: p.SourceAccount,
			Sequence:  p.SourceSequence,
		},
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(invocationTimeout),
		},
	})
	if err != nil {
		return "", fmt.Errorf("build invocation transaction: %w", err)
	}
	return tx.Base64()
}

// SignTransaction signs a base64 envelope with the given secret seed under the
// given network passphrase and returns the signed base64 XDR.
func SignTransaction(envelopeXDR, secretSeed, networkPassphrase string) (string, error) {
	kp, err := keypair.ParseFull(secretSeed)
	if err != nil {
		return "", fmt.Errorf("parse signing key: %w", err)
	}
	tx, err := parseTransaction(envelopeXDR)
	if err != nil {
		return "", err
	}
	signed, err := tx.Sign(networkPassphrase, kp)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	return signed.Base64()
}

// HashHex returns the hex transaction hash of a base64 envelope under the
// given network passphrase.
func HashHex(envelopeXDR, networkPassphrase string) (string, error) {
	tx, err := parseTransaction(envelopeXDR)
	if err != nil {
		return "", err
	}
	hash, err := tx.HashHex(networkPassphrase)
	if err != nil {
		return "", fmt.Errorf("hash transaction: %w", err)
	}
	return hash, nil
}

// ParseTransaction decodes a base64 envelope, rejecting fee-bump wrappers.
func ParseTransaction(envelopeXDR string) (*txnbuild.Transaction, error) {
	return parseTransaction(envelopeXDR)
}

func parseTransaction(envelopeXDR string) (*txnbuild.Transaction, error) {
	generic, err := txnbuild.TransactionFromXDR(envelopeXDR)
	if err != nil {
		return nil, fmt.Errorf("decode transaction envelope: %w", err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return nil, fmt.Errorf("envelope is not a simple transaction")
	}
	return tx, nil
}

func contractAddress(contractID string) (xdr.ScAddress, error) {
	raw, err := strkey.Decode(strkey.VersionByteContract, contractID)
	if err != nil {
		return xdr.ScAddress{}, fmt.Errorf("decode contract id %q: %w", contractID, err)
	}
	var contractIDXdr xdr.ContractId
	copy(contractIDXdr[:], raw)
	return xdr.ScAddress{
		Type:       xdr.ScAddressTypeScAddressTypeContract,
		ContractId: &contractIDXdr,
	}, nil
}

func accountAddress(accountID string) (xdr.ScAddress, error) {
	aid, err := xdr.AddressToAccountId(accountID)
	if err != nil {
		return xdr.ScAddress{}, fmt.Errorf("decode account id %q: %w", accountID, err)
	}
	return xdr.ScAddress{
		Type:      xdr.ScAddressTypeScAddressTypeAccount,
		AccountId: &aid,
	}, nil
}
