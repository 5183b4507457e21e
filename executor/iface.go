package executor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Mempool is the in-process store of pending, processing, and submitted
// user operations. Storage durability is the mempool's concern, not the
// executor's; the executor only reads and mutates through this contract.
type Mempool interface {
	// Process pulls a batch capped at maxGas, stopping once at least
	// minCount ops have been collected or nothing more is available.
	// Returns an empty slice when the mempool has nothing to offer.
	Process(ctx context.Context, maxGas uint64, minCount int) ([]*UserOperationInfo, error)

	// DumpSubmittedOps snapshots every (op, txInfo) pair currently
	// tracked as submitted, across all entry points.
	DumpSubmittedOps(ctx context.Context) ([]*SubmittedUserOperation, error)

	MarkSubmitted(ctx context.Context, opHash common.Hash, txInfo *TransactionInfo) error
	RemoveProcessing(ctx context.Context, opHash common.Hash) error
	RemoveSubmitted(ctx context.Context, opHash common.Hash) error
	ReplaceSubmitted(ctx context.Context, opInfo *UserOperationInfo, newTxInfo *TransactionInfo) error
	Add(ctx context.Context, opInfo *UserOperationInfo, entryPoint common.Address) error
}

// SubmittedUserOperation is the (op, transaction) pair the mempool hands
// back when asked for its current submitted set.
type SubmittedUserOperation struct {
	UserOperationInfo *UserOperationInfo
	TransactionInfo   *TransactionInfo
}

// BundleResult is the tagged result of one executor dispatch for one
// user operation. Exactly one of the three payload fields is non-nil.
type BundleResult struct {
	Success  *BundleSuccess
	Failure  *BundleFailure
	Resubmit *BundleResubmit
}

type BundleSuccess struct {
	UserOperation   *UserOperationInfo
	TransactionInfo *TransactionInfo
}

type BundleFailure struct {
	UserOpHash    common.Hash
	Reason        string
	UserOperation *UserOperationInfo
}

type BundleResubmit struct {
	UserOpHash    common.Hash
	UserOperation *UserOperationInfo
	EntryPoint    common.Address
	Reason        string
}

// ReplaceResultTag discriminates the outcome of Executor.ReplaceTransaction.
type ReplaceResultTag string

const (
	ReplaceFailed                  ReplaceResultTag = "failed"
	ReplacePotentiallyAlreadyIncluded ReplaceResultTag = "potentially_already_included"
	ReplaceReplaced                ReplaceResultTag = "replaced"
)

// ReplaceResult is the tagged result of Executor.ReplaceTransaction.
type ReplaceResult struct {
	Tag             ReplaceResultTag
	TransactionInfo *TransactionInfo // only set when Tag == ReplaceReplaced
}

// Executor is the low-level bundle-sending collaborator: transaction
// construction, signing, and nonce management live behind this
// interface and are out of scope for the manager itself.
type Executor interface {
	Bundle(ctx context.Context, entryPoint common.Address, ops []*UserOperationInfo) ([]BundleResult, error)
	BundleCompressed(ctx context.Context, entryPoint common.Address, ops []*UserOperationInfo) ([]BundleResult, error)
	ReplaceTransaction(ctx context.Context, txInfo *TransactionInfo) (ReplaceResult, error)
	MarkWalletProcessed(ctx context.Context, wallet common.Address) error
}

// GasFees is the {maxFeePerGas, maxPriorityFeePerGas} pair the gas-price
// oracle reports for the current block.
type GasFees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// GasOracle reports the network's current EIP-1559 fee levels.
type GasOracle interface {
	GetGasPrice(ctx context.Context) (GasFees, error)
}

// ReputationManager tracks each account/paymaster's on-chain inclusion
// history so the mempool can throttle misbehaving senders.
type ReputationManager interface {
	UpdateUserOperationIncludedStatus(ctx context.Context, op *UserOperationInfo, entryPoint common.Address, accountDeployed bool) error
}

// MonitorStatus is the user-visible lifecycle stage of a user operation.
type MonitorStatus string

const (
	StatusSubmitted MonitorStatus = "submitted"
	StatusIncluded  MonitorStatus = "included"
	StatusRejected  MonitorStatus = "rejected"
)

// Monitor surfaces per-op lifecycle status to external observers (e.g. a
// status API); it holds no logic of its own.
type Monitor interface {
	SetUserOperationStatus(ctx context.Context, opHash common.Hash, status MonitorStatus, transactionHash *common.Hash) error
}

// EventManager emits the domain events a dashboard or alerting pipeline
// subscribes to.
type EventManager interface {
	EmitDropped(ctx context.Context, opHash common.Hash, reason string, op *UserOperationInfo)
	EmitIncludedOnChain(ctx context.Context, opHash common.Hash, txHash common.Hash)
	EmitExecutionRevertedOnChain(ctx context.Context, opHash common.Hash, txHash common.Hash, revertReason string)
	EmitFailedOnChain(ctx context.Context, opHash common.Hash, txHash common.Hash)
	EmitFrontranOnChain(ctx context.Context, opHash common.Hash, txHash common.Hash)
}

// PerOpSuccessful is the literal spelling the upstream contract
// uses for a successful per-op outcome inside an included bundle. The
// misspelling is part of the external contract and must be preserved
// verbatim.
const PerOpSuccessful = "succesful"
const PerOpReverted = "reverted"

// PerOpOutcome is one user operation's outcome within an included bundle.
type PerOpOutcome struct {
	Status          string // PerOpSuccessful | PerOpReverted
	AccountDeployed bool
	RevertReason    string
}

// BundleStatusTag discriminates the chain's classification of a
// broadcast transaction hash.
type BundleStatusTag string

const (
	BundleNotFound BundleStatusTag = "not_found"
	BundleIncluded BundleStatusTag = "included"
	BundleReverted BundleStatusTag = "reverted"
)

// BundleStatus is what the chain reports for one candidate transaction
// hash belonging to a TransactionInfo.
type BundleStatus struct {
	Tag             BundleStatusTag
	IsAA95          bool
	RevertReason    string
	PerOpOutcomes   map[common.Hash]PerOpOutcome // userOpHash -> outcome, only set when Tag == BundleIncluded
}

// EVMClient is the narrow slice of an Ethereum JSON-RPC client the
// manager needs: subscribing to new blocks, fetching logs/receipts, and
// reading the gas-agnostic chain head.
type EVMClient interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BundleStatus(ctx context.Context, entryPoint common.Address, txHash common.Hash) (BundleStatus, error)
}
