package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/bundler-executor/metrics"
	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

// maxTimesPotentiallyIncluded bounds how many consecutive
// potentially_already_included replace outcomes a transaction tolerates
// before its ops are abandoned -- it triggers on the third occurrence,
// not the second.
const maxTimesPotentiallyIncluded = 3

// replacementPolicy is the sole caller of Executor.ReplaceTransaction
// and owns the bookkeeping that follows each of the three outcomes.
type replacementPolicy struct {
	mempool Mempool
	exec    Executor
	metrics *metrics.ExecutorMetrics
	logger  logger.Logger
}

// replaceTransaction delegates to the executor and applies the
// per-outcome side effects. Errors from the executor are treated as the
// "failed" outcome for metrics purposes.
func (p *replacementPolicy) replaceTransaction(ctx context.Context, txInfo *TransactionInfo, reason string) {
	result, err := p.exec.ReplaceTransaction(ctx, txInfo)
	status := string(result.Tag)
	if err != nil {
		status = string(ReplaceFailed)
	}
	p.metrics.IncReplacedTransactions(reason, status)

	if err != nil {
		p.logger.Error("executor.ReplaceTransaction failed", "reason", reason, "error", err)
		p.removeAllOps(ctx, txInfo, "replace failed")
		return
	}

	switch result.Tag {
	case ReplaceFailed:
		p.removeAllOps(ctx, txInfo, "replace failed")

	case ReplacePotentiallyAlreadyIncluded:
		txInfo.TimesPotentiallyIncluded++
		if txInfo.TimesPotentiallyIncluded >= maxTimesPotentiallyIncluded {
			p.removeAllOps(ctx, txInfo, "potentially already included, giving up")
			if err := p.exec.MarkWalletProcessed(ctx, txInfo.Executor); err != nil {
				p.logger.Error("executor.MarkWalletProcessed failed", "executor", txInfo.Executor, "error", err)
			}
		}

	case ReplaceReplaced:
		p.applyReplaced(ctx, txInfo, result.TransactionInfo)
	}
}

// applyReplaced diffs the old and new transaction's op sets by hash: the
// matching subset gets re-pointed to the new TransactionInfo, the
// missing subset is dropped from submitted.
func (p *replacementPolicy) applyReplaced(ctx context.Context, oldTxInfo, newTxInfo *TransactionInfo) {
	newOpHashes := make(map[common.Hash]struct{}, len(newTxInfo.UserOperationInfos))
	for _, op := range newTxInfo.UserOperationInfos {
		newOpHashes[op.UserOpHash] = struct{}{}
	}

	for _, op := range oldTxInfo.UserOperationInfos {
		if _, matched := newOpHashes[op.UserOpHash]; matched {
			if err := p.mempool.ReplaceSubmitted(ctx, op, newTxInfo); err != nil {
				p.logger.Error("mempool.ReplaceSubmitted failed", "opHash", op.UserOpHash, "error", err)
			}
			continue
		}
		if err := p.mempool.RemoveSubmitted(ctx, op.UserOpHash); err != nil {
			p.logger.Error("mempool.RemoveSubmitted failed", "opHash", op.UserOpHash, "error", err)
		}
		p.logger.Warn("user operation missing from replacement transaction", "opHash", op.UserOpHash)
	}
}

func (p *replacementPolicy) removeAllOps(ctx context.Context, txInfo *TransactionInfo, reason string) {
	for _, op := range txInfo.UserOperationInfos {
		if err := p.mempool.RemoveSubmitted(ctx, op.UserOpHash); err != nil {
			p.logger.Error("mempool.RemoveSubmitted failed", "opHash", op.UserOpHash, "error", err)
		}
	}
	p.logger.Warn(reason, "transactionHash", txInfo.TransactionHash)
}
