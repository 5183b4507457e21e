package executor

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

func TestFrontrunWatcher_ResolvesIncludedAfterAnchorBlock(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	userOpHash := common.HexToHash("0xaa")
	sender := common.HexToAddress("0xsender")
	txHash := common.HexToHash("0xff")
	anchorBlock := uint64(100)

	opLog := buildUserOperationEventLog(t, userOpHash, sender, common.Address{}, big.NewInt(1), true, big.NewInt(1), big.NewInt(1), entryPoint, anchorBlock+2, txHash, 0)
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(int64(anchorBlock + 2)),
		Logs:        []*types.Log{&opLog},
	}

	var headCh chan<- *types.Header
	client := &fakeEVMClient{
		subscribeFunc: func(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
			headCh = ch
			return &noopSubscription{}, nil
		},
		filterLogsFunc: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			return []types.Log{opLog}, nil
		},
		receiptFunc: func(ctx context.Context, h common.Hash) (*types.Receipt, error) {
			return receipt, nil
		},
		txByHashFunc: func(ctx context.Context, h common.Hash) (*types.Transaction, bool, error) {
			return types.NewTransaction(0, sender, big.NewInt(0), 0, big.NewInt(1), []byte{}), false, nil
		},
	}

	receipts := newTestReceiptReconstructor(t, client, testConfig(entryPoint))
	monitor := &fakeMonitor{}
	events := &fakeEventManager{}
	watcher := &frontrunWatcher{client: client, receipts: receipts, monitor: monitor, events: events, logger: logger.NewNoOpLogger()}

	op := testUserOp(userOpHash, entryPoint)
	watcher.watch(context.Background(), op, anchorBlock)

	require.Eventually(t, func() bool { return headCh != nil }, time.Second, time.Millisecond)

	headCh <- &types.Header{Number: big.NewInt(int64(anchorBlock + 2))}

	require.Eventually(t, func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		return len(events.frontran) == 1
	}, time.Second, time.Millisecond, "watcher should resolve to frontran-but-included")

	require.Len(t, monitor.calls, 1)
	require.Equal(t, StatusIncluded, monitor.calls[0].status)
}

func TestFrontrunWatcher_ResolvesNotIncluded(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	userOpHash := common.HexToHash("0xaa")
	anchorBlock := uint64(100)

	var headCh chan<- *types.Header
	client := &fakeEVMClient{
		subscribeFunc: func(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
			headCh = ch
			return &noopSubscription{}, nil
		},
		filterLogsFunc: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			return nil, nil // no UserOperationEvent ever landed: the op lost the race
		},
	}

	receipts := newTestReceiptReconstructor(t, client, testConfig(entryPoint))
	monitor := &fakeMonitor{}
	events := &fakeEventManager{}
	watcher := &frontrunWatcher{client: client, receipts: receipts, monitor: monitor, events: events, logger: logger.NewNoOpLogger()}

	op := testUserOp(userOpHash, entryPoint)
	watcher.watch(context.Background(), op, anchorBlock)

	require.Eventually(t, func() bool { return headCh != nil }, time.Second, time.Millisecond)
	headCh <- &types.Header{Number: big.NewInt(int64(anchorBlock + 5))}

	require.Eventually(t, func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		return len(events.failed) == 1
	}, time.Second, time.Millisecond, "watcher should resolve to failed when no receipt ever appears")

	require.Len(t, monitor.calls, 1)
	require.Equal(t, StatusRejected, monitor.calls[0].status)
}

func TestFrontrunWatcher_IgnoresHeadersAtOrBeforeAnchorPlusOne(t *testing.T) {
	entryPoint := common.HexToAddress("0x01")
	userOpHash := common.HexToHash("0xaa")
	anchorBlock := uint64(100)

	var headCh chan<- *types.Header
	resolveCalls := 0
	client := &fakeEVMClient{
		subscribeFunc: func(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
			headCh = ch
			return &noopSubscription{}, nil
		},
		filterLogsFunc: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			resolveCalls++
			return nil, nil
		},
	}

	receipts := newTestReceiptReconstructor(t, client, testConfig(entryPoint))
	watcher := &frontrunWatcher{client: client, receipts: receipts, logger: logger.NewNoOpLogger()}

	op := testUserOp(userOpHash, entryPoint)
	watcher.watch(context.Background(), op, anchorBlock)

	require.Eventually(t, func() bool { return headCh != nil }, time.Second, time.Millisecond)

	headCh <- &types.Header{Number: big.NewInt(int64(anchorBlock))}
	headCh <- &types.Header{Number: big.NewInt(int64(anchorBlock + 1))}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, resolveCalls, "headers at or before anchor+1 must not trigger resolution")

	headCh <- &types.Header{Number: big.NewInt(int64(anchorBlock + 2))}
	require.Eventually(t, func() bool { return resolveCalls == 1 }, time.Second, time.Millisecond)
}
