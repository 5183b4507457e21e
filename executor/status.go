package executor

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/bundler-executor/metrics"
	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

// statusResolver classifies a transaction's on-chain state across every
// hash it has ever worn, and applies the resulting per-op side effects.
type statusResolver struct {
	client            EVMClient
	mempool           Mempool
	reputationManager ReputationManager
	monitor           Monitor
	eventManager      EventManager
	metrics           *metrics.ExecutorMetrics
	logger            logger.Logger
	replacePolicy     *replacementPolicy
	cfg               *Config

	// startFrontrunWatcher launches a per-op ephemeral watcher. It is a
	// function field rather than a direct dependency so tests can stub it
	// without constructing a real frontrunWatcher.
	startFrontrunWatcher func(ctx context.Context, op *UserOperationInfo, anchorBlock uint64)
}

// refreshTransactionStatus resolves txInfo's on-chain state and applies
// the classification's side effects.
func (r *statusResolver) refreshTransactionStatus(ctx context.Context, entryPoint common.Address, txInfo *TransactionInfo) {
	candidates := txInfo.candidateHashes()

	statuses := make([]BundleStatus, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, hash := range candidates {
		i, hash := i, hash
		g.Go(func() error {
			status, err := r.client.BundleStatus(gctx, entryPoint, hash)
			if err != nil {
				r.logger.Error("BundleStatus failed", "hash", hash, "error", err)
				return nil
			}
			statuses[i] = status
			return nil
		})
	}
	_ = g.Wait()

	included, reverted, ok := pickStatus(statuses)
	if !ok {
		for _, op := range txInfo.UserOperationInfos {
			r.logger.Info("user operation pending on chain", "opHash", op.UserOpHash)
		}
		return
	}

	if included != nil {
		r.handleIncluded(ctx, txInfo, *included)
		return
	}
	r.handleReverted(ctx, entryPoint, txInfo, *reverted)
}

// pickStatus implements the "included wins over reverted" ordering
// rule: the first included candidate wins; else the first reverted;
// else neither.
func pickStatus(statuses []BundleStatus) (included, reverted *BundleStatus, ok bool) {
	for i := range statuses {
		if statuses[i].Tag == BundleIncluded {
			return &statuses[i], nil, true
		}
	}
	for i := range statuses {
		if statuses[i].Tag == BundleReverted {
			return nil, &statuses[i], true
		}
	}
	return nil, nil, false
}

func (r *statusResolver) handleIncluded(ctx context.Context, txInfo *TransactionInfo, status BundleStatus) {
	for _, op := range txInfo.UserOperationInfos {
		outcome, found := status.PerOpOutcomes[op.UserOpHash]
		if !found {
			continue
		}

		r.metrics.ObserveUserOperationInclusionDuration(time.Since(op.FirstSubmitted).Seconds())

		if err := r.mempool.RemoveSubmitted(ctx, op.UserOpHash); err != nil {
			r.logger.Error("mempool.RemoveSubmitted failed", "opHash", op.UserOpHash, "error", err)
		}

		if r.reputationManager != nil {
			if err := r.reputationManager.UpdateUserOperationIncludedStatus(ctx, op, txInfo.UserOperationInfos[0].EntryPoint, outcome.AccountDeployed); err != nil {
				r.logger.Error("reputationManager.UpdateUserOperationIncludedStatus failed", "opHash", op.UserOpHash, "error", err)
			}
		}

		if outcome.Status == PerOpSuccessful {
			if r.eventManager != nil {
				r.eventManager.EmitIncludedOnChain(ctx, op.UserOpHash, txInfo.TransactionHash)
			}
		} else {
			if r.eventManager != nil {
				r.eventManager.EmitExecutionRevertedOnChain(ctx, op.UserOpHash, txInfo.TransactionHash, outcome.RevertReason)
			}
		}

		if r.monitor != nil {
			if err := r.monitor.SetUserOperationStatus(ctx, op.UserOpHash, StatusIncluded, &txInfo.TransactionHash); err != nil {
				r.logger.Error("monitor.SetUserOperationStatus failed", "opHash", op.UserOpHash, "error", err)
			}
		}
	}

	r.markWalletProcessed(ctx, txInfo)
	r.metrics.AddUserOperationsOnChain("included", float64(len(txInfo.UserOperationInfos)))
}

func (r *statusResolver) handleReverted(ctx context.Context, entryPoint common.Address, txInfo *TransactionInfo, status BundleStatus) {
	switch {
	case status.IsAA95:
		txInfo.TransactionRequest.Gas = txInfo.TransactionRequest.Gas * r.cfg.AA95ResubmitMultiplier / 100
		txInfo.TransactionRequest.Nonce++
		for _, op := range txInfo.UserOperationInfos {
			if err := r.mempool.RemoveSubmitted(ctx, op.UserOpHash); err != nil {
				r.logger.Error("mempool.RemoveSubmitted failed", "opHash", op.UserOpHash, "error", err)
			}
		}
		r.replacePolicy.replaceTransaction(ctx, txInfo, "AA95")

	case strings.Contains(status.RevertReason, "AA25"):
		anchorBlock, err := r.client.BlockNumber(ctx)
		if err != nil {
			r.logger.Error("BlockNumber failed while starting frontrun watch", "error", err)
			return
		}
		for _, op := range txInfo.UserOperationInfos {
			if r.startFrontrunWatcher != nil {
				r.startFrontrunWatcher(ctx, op, anchorBlock)
			}
		}

	default:
		for _, op := range txInfo.UserOperationInfos {
			if err := r.mempool.RemoveSubmitted(ctx, op.UserOpHash); err != nil {
				r.logger.Error("mempool.RemoveSubmitted failed", "opHash", op.UserOpHash, "error", err)
			}
			if r.monitor != nil {
				if err := r.monitor.SetUserOperationStatus(ctx, op.UserOpHash, StatusRejected, nil); err != nil {
					r.logger.Error("monitor.SetUserOperationStatus failed", "opHash", op.UserOpHash, "error", err)
				}
			}
			if r.eventManager != nil {
				r.eventManager.EmitFailedOnChain(ctx, op.UserOpHash, txInfo.TransactionHash)
			}
			r.logger.Warn("user operation reverted on chain", "opHash", op.UserOpHash, "reason", status.RevertReason)
		}
		r.markWalletProcessed(ctx, txInfo)
	}

	r.metrics.AddUserOperationsOnChain("reverted", float64(len(txInfo.UserOperationInfos)))
}

func (r *statusResolver) markWalletProcessed(ctx context.Context, txInfo *TransactionInfo) {
	if err := r.exec().MarkWalletProcessed(ctx, txInfo.Executor); err != nil {
		r.logger.Error("executor.MarkWalletProcessed failed", "executor", txInfo.Executor, "error", err)
	}
}

// exec exposes the replacement policy's Executor handle so
// markWalletProcessed doesn't need its own copy of the dependency.
func (r *statusResolver) exec() Executor {
	return r.replacePolicy.exec
}
