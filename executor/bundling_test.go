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

func newTestBundlingLoop(mempool *fakeMempool, exec *fakeExecutor, cfg *Config, monitor *fakeMonitor, events *fakeEventManager) *bundlingLoop {
	loop := &bundlingLoop{
		mempool: mempool,
		exec:    exec,
		cfg:     cfg,
		metrics: metrics.New(nil),
		logger:  logger.NewNoOpLogger(),
	}
	if monitor != nil {
		loop.monitor = monitor
	}
	if events != nil {
		loop.eventManager = events
	}
	return loop
}

func TestPartitionByEntryPoint(t *testing.T) {
	epA := common.HexToAddress("0x01")
	epB := common.HexToAddress("0x02")
	ops := []*UserOperationInfo{
		testUserOp(common.HexToHash("0xa1"), epA),
		testUserOp(common.HexToHash("0xb1"), epB),
		testUserOp(common.HexToHash("0xa2"), epA),
	}

	partitions := partitionByEntryPoint(ops)
	require.Len(t, partitions[epA], 2)
	require.Len(t, partitions[epB], 1)
}

func TestBundleNow_NoOpsReturnsError(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	mempool := newFakeMempool()
	exec := &fakeExecutor{}
	loop := newTestBundlingLoop(mempool, exec, testConfig(entryPoint), nil, nil)

	_, err := loop.bundleNow(context.Background())
	require.ErrorIs(t, err, ErrNoOpsToBundle)
}

func TestBundleNow_Success(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)
	txHash := common.HexToHash("0xff")

	mempool := newFakeMempool()
	mempool.processBatches = [][]*UserOperationInfo{{op}}

	exec := &fakeExecutor{
		bundleFunc: func(ctx context.Context, ep common.Address, ops []*UserOperationInfo) ([]BundleResult, error) {
			return []BundleResult{{Success: &BundleSuccess{
				UserOperation:   op,
				TransactionInfo: &TransactionInfo{TransactionHash: txHash, UserOperationInfos: []*UserOperationInfo{op}},
			}}}, nil
		},
	}
	loop := newTestBundlingLoop(mempool, exec, testConfig(entryPoint), nil, nil)

	hashes, err := loop.bundleNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, []common.Hash{txHash}, hashes)
	require.Contains(t, mempool.marked, op.UserOpHash)
}

func TestBundleNow_MissingTxHashFails(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)

	mempool := newFakeMempool()
	mempool.processBatches = [][]*UserOperationInfo{{op}}

	exec := &fakeExecutor{
		bundleFunc: func(ctx context.Context, ep common.Address, ops []*UserOperationInfo) ([]BundleResult, error) {
			return []BundleResult{{Failure: &BundleFailure{UserOpHash: op.UserOpHash, Reason: "simulation reverted"}}}, nil
		},
	}
	loop := newTestBundlingLoop(mempool, exec, testConfig(entryPoint), nil, nil)

	_, err := loop.bundleNow(context.Background())
	require.ErrorIs(t, err, ErrNoTxHash)
}

func TestSendToExecutor_SplitsCompressedAndUncompressed(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	uncompressed := testUserOp(common.HexToHash("0xaa"), entryPoint)
	compressed := testUserOp(common.HexToHash("0xbb"), entryPoint)
	compressed.IsCompressed = true

	var gotUncompressed, gotCompressed []*UserOperationInfo
	exec := &fakeExecutor{
		bundleFunc: func(ctx context.Context, ep common.Address, ops []*UserOperationInfo) ([]BundleResult, error) {
			gotUncompressed = ops
			return nil, nil
		},
		bundleCompressedFunc: func(ctx context.Context, ep common.Address, ops []*UserOperationInfo) ([]BundleResult, error) {
			gotCompressed = ops
			return nil, nil
		},
	}
	mempool := newFakeMempool()
	loop := newTestBundlingLoop(mempool, exec, testConfig(entryPoint), nil, nil)

	_, err := loop.sendToExecutor(context.Background(), entryPoint, []*UserOperationInfo{uncompressed, compressed})
	require.NoError(t, err)
	require.Equal(t, []*UserOperationInfo{uncompressed}, gotUncompressed)
	require.Equal(t, []*UserOperationInfo{compressed}, gotCompressed)
}

func TestSendToExecutor_BundleErrorPropagates(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)

	exec := &fakeExecutor{
		bundleFunc: func(ctx context.Context, ep common.Address, ops []*UserOperationInfo) ([]BundleResult, error) {
			return nil, errors.New("rpc unavailable")
		},
	}
	mempool := newFakeMempool()
	loop := newTestBundlingLoop(mempool, exec, testConfig(entryPoint), nil, nil)

	_, err := loop.sendToExecutor(context.Background(), entryPoint, []*UserOperationInfo{op})
	require.Error(t, err)
}

func TestHandleSuccess_StartsWatchingAndMarksSubmitted(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)
	txHash := common.HexToHash("0xff")

	mempool := newFakeMempool()
	monitor := &fakeMonitor{}
	loop := newTestBundlingLoop(mempool, &fakeExecutor{}, testConfig(entryPoint), monitor, nil)

	var watchStarted bool
	loop.startWatching = func() { watchStarted = true }

	got := loop.handleSuccess(context.Background(), &BundleSuccess{
		UserOperation:   op,
		TransactionInfo: &TransactionInfo{TransactionHash: txHash},
	})

	require.Equal(t, txHash, got)
	require.True(t, watchStarted)
	require.Contains(t, mempool.marked, op.UserOpHash)
	require.Len(t, monitor.calls, 1)
	require.Equal(t, StatusSubmitted, monitor.calls[0].status)
}

func TestHandleFailure_EmitsDroppedAndRemovesProcessing(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)

	mempool := newFakeMempool()
	events := &fakeEventManager{}
	loop := newTestBundlingLoop(mempool, &fakeExecutor{}, testConfig(entryPoint), nil, events)

	loop.handleFailure(context.Background(), &BundleFailure{
		UserOpHash:    op.UserOpHash,
		Reason:        "AA24 signature error",
		UserOperation: op,
	})

	require.Contains(t, mempool.removedProc, op.UserOpHash)
	require.Contains(t, events.dropped, op.UserOpHash)
}

func TestHandleResubmit_ReaddsToMempool(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	op := testUserOp(common.HexToHash("0xaa"), entryPoint)

	mempool := newFakeMempool()
	loop := newTestBundlingLoop(mempool, &fakeExecutor{}, testConfig(entryPoint), nil, nil)

	loop.handleResubmit(context.Background(), &BundleResubmit{
		UserOpHash:    op.UserOpHash,
		UserOperation: op,
		EntryPoint:    entryPoint,
		Reason:        "nonce too low",
	})

	require.Contains(t, mempool.removedProc, op.UserOpHash)
	require.Len(t, mempool.added, 1)
	require.Equal(t, op, mempool.added[0])
}
