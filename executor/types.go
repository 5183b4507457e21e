// Package executor implements the bundler's Executor Manager: the
// scheduling, bundling, submission-tracking, and replace-by-fee state
// machine that sits between the mempool and the chain.
package executor

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/bundler-executor/pkg/erc4337/userop"
)

// UserOperationInfo is the opaque-to-the-caller payload the mempool hands
// the executor: a user operation, its hash, the entry point it targets,
// and bookkeeping the replacement policy needs.
type UserOperationInfo struct {
	UserOpHash     common.Hash
	EntryPoint     common.Address
	UserOperation  *userop.UserOperation
	FirstSubmitted time.Time
	IsCompressed   bool
}

// TransactionRequest is the mutable EVM request backing a broadcast. The
// AA95 replacement path bumps Gas and Nonce here before handing the
// transaction back to the executor for resubmission.
type TransactionRequest struct {
	Gas                  uint64
	Nonce                uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// TransactionInfo is an executor-owned, actively tracked broadcast that
// may bundle one or more user operations.
type TransactionInfo struct {
	TransactionHash           common.Hash
	PreviousTransactionHashes []common.Hash
	TransactionRequest        *TransactionRequest
	UserOperationInfos        []*UserOperationInfo
	Executor                  common.Address
	IsVersion06               bool
	LastReplaced              time.Time
	TimesPotentiallyIncluded  int
}

// candidateHashes returns the current hash plus every prior hash this
// transaction has worn across replacements -- the set the status
// resolver must check on-chain since any of them could have landed.
func (t *TransactionInfo) candidateHashes() []common.Hash {
	hashes := make([]common.Hash, 0, len(t.PreviousTransactionHashes)+1)
	hashes = append(hashes, t.TransactionHash)
	hashes = append(hashes, t.PreviousTransactionHashes...)
	return hashes
}

// removeOp drops a user operation from this transaction's tracked set by
// hash, returning whether it was present.
func (t *TransactionInfo) removeOp(opHash common.Hash) bool {
	for i, info := range t.UserOperationInfos {
		if info.UserOpHash == opHash {
			t.UserOperationInfos = append(t.UserOperationInfos[:i], t.UserOperationInfos[i+1:]...)
			return true
		}
	}
	return false
}

// BundleMode selects whether the bundling loop runs on a timer or waits
// for an explicit trigger.
type BundleMode string

const (
	ModeAuto   BundleMode = "auto"
	ModeManual BundleMode = "manual"
)
