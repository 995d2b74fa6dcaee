package soroban

import "errors"

// SendStatus is the immediate outcome reported for a submission attempt.
type SendStatus string

const (
	// SendPending means the network accepted the transaction for inclusion.
	SendPending SendStatus = "PENDING"
	// SendError means the network rejected the transaction outright.
	SendError SendStatus = "ERROR"
	// SendTryAgainLater means the network is backlogged and the transaction
	// should be resubmitted after a delay.
	SendTryAgainLater SendStatus = "TRY_AGAIN_LATER"
	// SendDuplicate means the exact transaction was already submitted.
	SendDuplicate SendStatus = "DUPLICATE"
)

// TxStatus is the settlement state of a previously submitted transaction.
type TxStatus string

const (
	TxSuccess  TxStatus = "SUCCESS"
	TxFailed   TxStatus = "FAILED"
	TxNotFound TxStatus = "NOT_FOUND"
)

// ErrAccountNotFound is returned when the requested account has no ledger
// entry on the network.
var ErrAccountNotFound = errors.New("account not found on ledger")

// Account is the slice of ledger account state the engine needs.
type Account struct {
	ID       string
	Sequence int64
}

// PrepareResult carries the simulation outcome: the transaction with resource
// footprint and fee applied, plus the total fee it will cost.
type PrepareResult struct {
	TransactionXDR string
	FeeStroops     int64
}

// SendResult is the network's answer to a submission.
type SendResult struct {
	Status SendStatus
	// Hash is the transaction hash, set for every outcome so rejected
	// submissions remain traceable.
	Hash string
	// ErrorResultXDR is the base64 result XDR when Status is ERROR.
	ErrorResultXDR string
}

// TxResult is the network's answer to a confirmation lookup.
type TxResult struct {
	Status TxStatus
	Ledger uint32
}
