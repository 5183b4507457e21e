package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/bundler-executor/metrics"
	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

func newTestReplacementPolicy(mempool *fakeMempool, exec *fakeExecutor) *replacementPolicy {
	return &replacementPolicy{
		mempool: mempool,
		exec:    exec,
		metrics: metrics.New(nil),
		logger:  logger.NewNoOpLogger(),
	}
}

func newTestTxInfo(entryPoint common.Address, ops ...*UserOperationInfo) *TransactionInfo {
	return &TransactionInfo{
		TransactionHash:    common.HexToHash("0x01"),
		TransactionRequest: &TransactionRequest{Gas: 1_000_000, Nonce: 1},
		UserOperationInfos: ops,
		Executor:           common.HexToAddress("0xdeadbeef"),
	}
}

func TestReplaceTransaction_Replaced(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op1 := testUserOp(common.HexToHash("0xaa"), entryPoint)
	op2 := testUserOp(common.HexToHash("0xbb"), entryPoint)
	txInfo := newTestTxInfo(entryPoint, op1, op2)

	newTxInfo := newTestTxInfo(entryPoint, op1) // op2 dropped by the replacement

	mempool := newFakeMempool()
	exec := &fakeExecutor{
		replaceFunc: func(ctx context.Context, txInfo *TransactionInfo) (ReplaceResult, error) {
			return ReplaceResult{Tag: ReplaceReplaced, TransactionInfo: newTxInfo}, nil
		},
	}
	policy := newTestReplacementPolicy(mempool, exec)

	policy.replaceTransaction(context.Background(), txInfo, "gas_price")

	require.Contains(t, mempool.replaced, op1.UserOpHash)
	require.Contains(t, mempool.removedSub, op2.UserOpHash)
}

func TestReplaceTransaction_Failed(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op1 := testUserOp(common.HexToHash("0xaa"), entryPoint)
	txInfo := newTestTxInfo(entryPoint, op1)

	mempool := newFakeMempool()
	exec := &fakeExecutor{
		replaceFunc: func(ctx context.Context, txInfo *TransactionInfo) (ReplaceResult, error) {
			return ReplaceResult{Tag: ReplaceFailed}, nil
		},
	}
	policy := newTestReplacementPolicy(mempool, exec)

	policy.replaceTransaction(context.Background(), txInfo, "stuck")

	require.Contains(t, mempool.removedSub, op1.UserOpHash)
}

func TestReplaceTransaction_ExecutorError(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op1 := testUserOp(common.HexToHash("0xaa"), entryPoint)
	txInfo := newTestTxInfo(entryPoint, op1)

	mempool := newFakeMempool()
	exec := &fakeExecutor{
		replaceFunc: func(ctx context.Context, txInfo *TransactionInfo) (ReplaceResult, error) {
			return ReplaceResult{}, errors.New("rpc down")
		},
	}
	policy := newTestReplacementPolicy(mempool, exec)

	policy.replaceTransaction(context.Background(), txInfo, "AA95")

	require.Contains(t, mempool.removedSub, op1.UserOpHash)
}

// TestReplaceTransaction_PotentiallyIncludedGivesUpOnThirdTime checks
// that the op set is dropped from submitted and the wallet marked
// processed on the third consecutive potentially_already_included
// outcome, not the second.
func TestReplaceTransaction_PotentiallyIncludedGivesUpOnThirdTime(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op1 := testUserOp(common.HexToHash("0xaa"), entryPoint)
	txInfo := newTestTxInfo(entryPoint, op1)

	mempool := newFakeMempool()
	exec := &fakeExecutor{
		replaceFunc: func(ctx context.Context, txInfo *TransactionInfo) (ReplaceResult, error) {
			return ReplaceResult{Tag: ReplacePotentiallyAlreadyIncluded}, nil
		},
	}
	policy := newTestReplacementPolicy(mempool, exec)

	policy.replaceTransaction(context.Background(), txInfo, "gas_price")
	require.Equal(t, 1, txInfo.TimesPotentiallyIncluded)
	require.Empty(t, mempool.removedSub)
	require.Empty(t, exec.markWalletProcessedCalls)

	policy.replaceTransaction(context.Background(), txInfo, "gas_price")
	require.Equal(t, 2, txInfo.TimesPotentiallyIncluded)
	require.Empty(t, mempool.removedSub)
	require.Empty(t, exec.markWalletProcessedCalls)

	policy.replaceTransaction(context.Background(), txInfo, "gas_price")
	require.Equal(t, 3, txInfo.TimesPotentiallyIncluded)
	require.Contains(t, mempool.removedSub, op1.UserOpHash)
	require.Len(t, exec.markWalletProcessedCalls, 1)
	require.Equal(t, txInfo.Executor, exec.markWalletProcessedCalls[0])
}
