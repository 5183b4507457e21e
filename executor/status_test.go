package executor

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/bundler-executor/metrics"
	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

func newTestStatusResolver(client *fakeEVMClient, mempool *fakeMempool, monitor *fakeMonitor, events *fakeEventManager, rep *fakeReputationManager, cfg *Config, replace *replacementPolicy) *statusResolver {
	resolver := &statusResolver{
		client:        client,
		mempool:       mempool,
		metrics:       metrics.New(nil),
		logger:        logger.NewNoOpLogger(),
		replacePolicy: replace,
		cfg:           cfg,
	}
	if rep != nil {
		resolver.reputationManager = rep
	}
	if monitor != nil {
		resolver.monitor = monitor
	}
	if events != nil {
		resolver.eventManager = events
	}
	return resolver
}

func TestPickStatus_IncludedWinsOverReverted(t *testing.T) {
	statuses := []BundleStatus{
		{Tag: BundleNotFound},
		{Tag: BundleReverted},
		{Tag: BundleIncluded},
	}
	included, reverted, ok := pickStatus(statuses)
	require.True(t, ok)
	require.NotNil(t, included)
	require.Nil(t, reverted)
	require.Equal(t, BundleIncluded, included.Tag)
}

func TestPickStatus_RevertedWhenNoIncluded(t *testing.T) {
	statuses := []BundleStatus{
		{Tag: BundleNotFound},
		{Tag: BundleReverted, RevertReason: "AA95"},
	}
	included, reverted, ok := pickStatus(statuses)
	require.True(t, ok)
	require.Nil(t, included)
	require.Equal(t, "AA95", reverted.RevertReason)
}

func TestPickStatus_NeitherWhenAllPending(t *testing.T) {
	statuses := []BundleStatus{{Tag: BundleNotFound}, {Tag: BundleNotFound}}
	_, _, ok := pickStatus(statuses)
	require.False(t, ok)
}

func TestRefreshTransactionStatus_Included(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)
	op.FirstSubmitted = time.Now().Add(-time.Minute)
	txInfo := newTestTxInfo(entryPoint, op)

	mempool := newFakeMempool()
	monitor := &fakeMonitor{}
	events := &fakeEventManager{}
	rep := &fakeReputationManager{}
	client := &fakeEVMClient{
		bundleStatusFunc: func(ctx context.Context, ep common.Address, txHash common.Hash) (BundleStatus, error) {
			return BundleStatus{
				Tag: BundleIncluded,
				PerOpOutcomes: map[common.Hash]PerOpOutcome{
					op.UserOpHash: {Status: PerOpSuccessful, AccountDeployed: true},
				},
			}, nil
		},
	}
	exec := &fakeExecutor{}
	replace := newTestReplacementPolicy(mempool, exec)
	resolver := newTestStatusResolver(client, mempool, monitor, events, rep, testConfig(entryPoint), replace)

	resolver.refreshTransactionStatus(context.Background(), entryPoint, txInfo)

	require.Contains(t, mempool.removedSub, op.UserOpHash)
	require.Contains(t, rep.calls, op.UserOpHash)
	require.Contains(t, events.included, op.UserOpHash)
	require.Len(t, exec.markWalletProcessedCalls, 1)

	require.Len(t, monitor.calls, 1)
	require.Equal(t, StatusIncluded, monitor.calls[0].status)
}

func TestRefreshTransactionStatus_RevertedGeneric(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)
	txInfo := newTestTxInfo(entryPoint, op)

	mempool := newFakeMempool()
	monitor := &fakeMonitor{}
	events := &fakeEventManager{}
	client := &fakeEVMClient{
		bundleStatusFunc: func(ctx context.Context, ep common.Address, txHash common.Hash) (BundleStatus, error) {
			return BundleStatus{Tag: BundleReverted, RevertReason: "AA21 didn't pay prefund"}, nil
		},
	}
	exec := &fakeExecutor{}
	replace := newTestReplacementPolicy(mempool, exec)
	resolver := newTestStatusResolver(client, mempool, monitor, events, nil, testConfig(entryPoint), replace)

	resolver.refreshTransactionStatus(context.Background(), entryPoint, txInfo)

	require.Contains(t, mempool.removedSub, op.UserOpHash)
	require.Contains(t, events.failed, op.UserOpHash)
	require.Len(t, exec.markWalletProcessedCalls, 1)
}

func TestRefreshTransactionStatus_RevertedAA95TriggersReplace(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)
	txInfo := newTestTxInfo(entryPoint, op)
	originalGas := txInfo.TransactionRequest.Gas

	mempool := newFakeMempool()
	client := &fakeEVMClient{
		bundleStatusFunc: func(ctx context.Context, ep common.Address, txHash common.Hash) (BundleStatus, error) {
			return BundleStatus{Tag: BundleReverted, IsAA95: true, RevertReason: "AA95 out of gas"}, nil
		},
	}
	var replaceCalled bool
	exec := &fakeExecutor{
		replaceFunc: func(ctx context.Context, txInfo *TransactionInfo) (ReplaceResult, error) {
			replaceCalled = true
			return ReplaceResult{Tag: ReplaceReplaced, TransactionInfo: newTestTxInfo(entryPoint, op)}, nil
		},
	}
	replace := newTestReplacementPolicy(mempool, exec)
	resolver := newTestStatusResolver(client, mempool, nil, nil, nil, testConfig(entryPoint), replace)

	resolver.refreshTransactionStatus(context.Background(), entryPoint, txInfo)

	require.True(t, replaceCalled)
	require.Greater(t, txInfo.TransactionRequest.Gas, originalGas)
}

func TestRefreshTransactionStatus_AA25StartsFrontrunWatch(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)
	txInfo := newTestTxInfo(entryPoint, op)

	mempool := newFakeMempool()
	client := &fakeEVMClient{
		bundleStatusFunc: func(ctx context.Context, ep common.Address, txHash common.Hash) (BundleStatus, error) {
			return BundleStatus{Tag: BundleReverted, RevertReason: "AA25 invalid account nonce"}, nil
		},
		blockNumberFunc: func(ctx context.Context) (uint64, error) { return 42, nil },
	}
	exec := &fakeExecutor{}
	replace := newTestReplacementPolicy(mempool, exec)
	resolver := newTestStatusResolver(client, mempool, nil, nil, nil, testConfig(entryPoint), replace)

	var gotAnchor uint64
	var gotOp *UserOperationInfo
	resolver.startFrontrunWatcher = func(ctx context.Context, op *UserOperationInfo, anchorBlock uint64) {
		gotAnchor = anchorBlock
		gotOp = op
	}

	resolver.refreshTransactionStatus(context.Background(), entryPoint, txInfo)

	require.Equal(t, uint64(42), gotAnchor)
	require.Equal(t, op.UserOpHash, gotOp.UserOpHash)
	require.Empty(t, mempool.removedSub, "AA25 path leaves the op submitted pending the frontrun watch")
}

func TestRefreshTransactionStatus_PendingLeavesOpUntouched(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)
	txInfo := newTestTxInfo(entryPoint, op)

	mempool := newFakeMempool()
	client := &fakeEVMClient{} // defaults to BundleNotFound for every candidate hash
	exec := &fakeExecutor{}
	replace := newTestReplacementPolicy(mempool, exec)
	resolver := newTestStatusResolver(client, mempool, nil, nil, nil, testConfig(entryPoint), replace)

	resolver.refreshTransactionStatus(context.Background(), entryPoint, txInfo)

	require.Empty(t, mempool.removedSub)
	require.Empty(t, exec.markWalletProcessedCalls)
}
