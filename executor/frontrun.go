package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

// frontrunWatcher is a per-op, ephemeral watcher that decides between
// "frontran but included" and "failed" once more than one block has
// passed since the AA25 revert was observed.
type frontrunWatcher struct {
	client   EVMClient
	receipts *receiptReconstructor
	monitor  Monitor
	events   EventManager
	logger   logger.Logger
}

// watch subscribes to new block headers and fires exactly once: on the
// first header strictly more than one block past anchorBlockNumber, it
// looks up the op's receipt and resolves the watcher's terminal state.
func (w *frontrunWatcher) watch(ctx context.Context, op *UserOperationInfo, anchorBlockNumber uint64) {
	watchID := ulid.Make().String()

	headCh := make(chan *types.Header, 16)
	sub, err := w.client.SubscribeNewHead(ctx, headCh)
	if err != nil {
		w.logger.Error("frontrun watcher: SubscribeNewHead failed", "watchID", watchID, "opHash", op.UserOpHash, "error", err)
		return
	}

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return

			case err := <-sub.Err():
				if err != nil {
					w.logger.Warn("frontrun watcher: subscription error, relying on transport retry", "watchID", watchID, "opHash", op.UserOpHash, "error", err)
				}

			case head := <-headCh:
				if head == nil || head.Number.Uint64() <= anchorBlockNumber+1 {
					continue
				}
				w.resolve(ctx, op, watchID)
				return
			}
		}
	}()
}

func (w *frontrunWatcher) resolve(ctx context.Context, op *UserOperationInfo, watchID string) {
	receipt, err := w.receipts.getUserOperationReceipt(ctx, op.UserOpHash)
	if err != nil {
		w.logger.Error("frontrun watcher: receipt lookup failed", "watchID", watchID, "opHash", op.UserOpHash, "error", err)
		return
	}

	if receipt != nil {
		txHash := receipt.Receipt.TxHash
		if w.monitor != nil {
			if err := w.monitor.SetUserOperationStatus(ctx, op.UserOpHash, StatusIncluded, &txHash); err != nil {
				w.logger.Error("monitor.SetUserOperationStatus failed", "watchID", watchID, "opHash", op.UserOpHash, "error", err)
			}
		}
		if w.events != nil {
			w.events.EmitFrontranOnChain(ctx, op.UserOpHash, txHash)
		}
		w.logger.Info("user operation frontran but included", "watchID", watchID, "opHash", op.UserOpHash, "transactionHash", txHash)
		return
	}

	if w.monitor != nil {
		if err := w.monitor.SetUserOperationStatus(ctx, op.UserOpHash, StatusRejected, nil); err != nil {
			w.logger.Error("monitor.SetUserOperationStatus failed", "watchID", watchID, "opHash", op.UserOpHash, "error", err)
		}
	}
	if w.events != nil {
		w.events.EmitFailedOnChain(ctx, op.UserOpHash, common.Hash{})
	}
	w.logger.Info("user operation frontran and not included", "watchID", watchID, "opHash", op.UserOpHash)
}
