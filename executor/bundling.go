package executor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/bundler-executor/metrics"
	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

// bundlingLoop pulls batches from the mempool, partitions them by entry
// point, and dispatches each partition to the executor. Monitor and
// EventManager are optional -- a nil field just skips that side effect,
// which keeps this type usable in isolation from tests that don't care
// about status surfacing.
type bundlingLoop struct {
	mempool      Mempool
	exec         Executor
	cfg          *Config
	metrics      *metrics.ExecutorMetrics
	logger       logger.Logger
	monitor      Monitor
	eventManager EventManager

	// startWatching is invoked for every success result (so once per
	// submitted op) so the manager can begin block-driven status
	// tracking; the manager's start is a no-op when already watching. Left nil in
	// tests that don't exercise that wiring.
	startWatching func()
}

// partitionByEntryPoint groups ops by the entry point they target.
func partitionByEntryPoint(ops []*UserOperationInfo) map[common.Address][]*UserOperationInfo {
	return lo.GroupBy(ops, func(op *UserOperationInfo) common.Address {
		return op.EntryPoint
	})
}

// bundle is the internal tick driven by the mode controller's timer. It
// drains the mempool batch by batch, capped at the hard-coded per-batch
// gas limit, and dispatches every batch's per-entry-point partitions in
// parallel.
func (b *bundlingLoop) bundle(ctx context.Context) {
	var batches [][]*UserOperationInfo
	for {
		batch, err := b.mempool.Process(ctx, hardCodedBundleBatchGasCap, 1)
		if err != nil {
			b.logger.Error("mempool.Process failed during bundling tick", "error", err)
			return
		}
		if len(batch) == 0 {
			break
		}
		batches = append(batches, batch)
	}

	if len(batches) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			b.dispatchBatch(gctx, batch)
			return nil
		})
	}
	_ = g.Wait()
}

// bundleNow is the external one-shot trigger available in manual mode.
// It returns the transaction hashes produced, or fails if the mempool
// had nothing to offer or an entry point's dispatch produced no
// transaction hash.
func (b *bundlingLoop) bundleNow(ctx context.Context) ([]common.Hash, error) {
	batch, err := b.mempool.Process(ctx, b.cfg.MaxGasLimitPerBundle, 1)
	if err != nil {
		return nil, fmt.Errorf("mempool.Process: %w", err)
	}
	if len(batch) == 0 {
		return nil, ErrNoOpsToBundle
	}

	partitions := partitionByEntryPoint(batch)

	type entryResult struct {
		entryPoint common.Address
		txHash     common.Hash
		err        error
	}

	results := make([]entryResult, len(partitions))
	g, gctx := errgroup.WithContext(ctx)
	i := 0
	for entryPoint, ops := range partitions {
		idx := i
		i++
		entryPoint, ops := entryPoint, ops
		g.Go(func() error {
			txHash, err := b.dispatchEntryPointRequired(gctx, entryPoint, ops)
			results[idx] = entryResult{entryPoint: entryPoint, txHash: txHash, err: err}
			return nil
		})
	}
	_ = g.Wait()

	hashes := make([]common.Hash, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		hashes = append(hashes, r.txHash)
	}
	return hashes, nil
}

// dispatchBatch partitions one batch by entry point and sends each
// partition to the executor in parallel. An entry point with no ops in
// this batch is logged and skipped.
func (b *bundlingLoop) dispatchBatch(ctx context.Context, batch []*UserOperationInfo) {
	partitions := partitionByEntryPoint(batch)

	g, gctx := errgroup.WithContext(ctx)
	for _, entryPoint := range b.cfg.EntryPoints {
		ops, ok := partitions[entryPoint]
		if !ok || len(ops) == 0 {
			b.logger.Warn("no ops to bundle for entry point this tick", "entryPoint", entryPoint)
			continue
		}
		ops, entryPoint := ops, entryPoint
		g.Go(func() error {
			if _, err := b.sendToExecutor(gctx, entryPoint, ops); err != nil {
				b.logger.Error("sendToExecutor failed", "entryPoint", entryPoint, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// dispatchEntryPointRequired is bundleNow's per-entry-point dispatch:
// it requires a transaction hash to come back, else the whole call
// fails.
func (b *bundlingLoop) dispatchEntryPointRequired(ctx context.Context, entryPoint common.Address, ops []*UserOperationInfo) (common.Hash, error) {
	hashes, err := b.sendToExecutor(ctx, entryPoint, ops)
	if err != nil {
		return common.Hash{}, err
	}
	if len(hashes) == 0 {
		return common.Hash{}, ErrNoTxHash
	}
	return hashes[0], nil
}

// sendToExecutor is the shared dispatch path used by both bundle() and
// bundleNow(). It splits ops into compressed/uncompressed subsets,
// invokes the appropriate executor methods, tallies metrics, and
// applies the success/failure/resubmit per-result side effects. The
// uncompressed and compressed calls are two distinct bundles for
// metrics purposes -- each is recorded against its own result list, not
// the combination of the two.
func (b *bundlingLoop) sendToExecutor(ctx context.Context, entryPoint common.Address, ops []*UserOperationInfo) ([]common.Hash, error) {
	compressed, uncompressed := lo.FilterReject(ops, func(op *UserOperationInfo, _ int) bool {
		return op.IsCompressed
	})

	var results []BundleResult
	if len(uncompressed) > 0 {
		r, err := b.exec.Bundle(ctx, entryPoint, uncompressed)
		if err != nil {
			return nil, fmt.Errorf("executor.Bundle: %w", err)
		}
		b.recordBundleMetric(r)
		results = append(results, r...)
	}
	if len(compressed) > 0 {
		r, err := b.exec.BundleCompressed(ctx, entryPoint, compressed)
		if err != nil {
			return nil, fmt.Errorf("executor.BundleCompressed: %w", err)
		}
		b.recordBundleMetric(r)
		results = append(results, r...)
	}

	if len(results) < len(ops) {
		b.metrics.AddUserOperationsSubmitted("filtered", float64(len(ops)-len(results)))
		b.logger.Warn("executor returned fewer results than ops supplied",
			"entryPoint", entryPoint, "ops", len(ops), "results", len(results))
	}

	var hashes []common.Hash
	for _, result := range results {
		switch {
		case result.Success != nil:
			hash := b.handleSuccess(ctx, result.Success)
			hashes = append(hashes, hash)
		case result.Failure != nil:
			b.handleFailure(ctx, result.Failure)
		case result.Resubmit != nil:
			b.handleResubmit(ctx, result.Resubmit)
		}
	}

	return hashes, nil
}

func (b *bundlingLoop) recordBundleMetric(results []BundleResult) {
	if len(results) == 0 {
		return
	}
	status := "success"
	for _, r := range results {
		if r.Success == nil {
			status = "failed"
			break
		}
	}
	b.metrics.IncBundlesSubmitted(status)
}

// handleSuccess marks the op submitted in the mempool, surfaces the
// submitted status to the Monitor, and kicks off block-driven tracking
// for the new transaction hash.
func (b *bundlingLoop) handleSuccess(ctx context.Context, s *BundleSuccess) common.Hash {
	opHash := s.UserOperation.UserOpHash
	txHash := s.TransactionInfo.TransactionHash

	if err := b.mempool.MarkSubmitted(ctx, opHash, s.TransactionInfo); err != nil {
		b.logger.Error("mempool.MarkSubmitted failed", "opHash", opHash, "error", err)
	}
	b.metrics.AddUserOperationsSubmitted("success", 1)

	if b.monitor != nil {
		if err := b.monitor.SetUserOperationStatus(ctx, opHash, StatusSubmitted, &txHash); err != nil {
			b.logger.Error("monitor.SetUserOperationStatus failed", "opHash", opHash, "error", err)
		}
	}
	if b.startWatching != nil {
		b.startWatching()
	}

	return txHash
}

// handleFailure removes the op from processing, marks it rejected, and
// emits a dropped event.
func (b *bundlingLoop) handleFailure(ctx context.Context, f *BundleFailure) {
	if err := b.mempool.RemoveProcessing(ctx, f.UserOpHash); err != nil {
		b.logger.Error("mempool.RemoveProcessing failed", "opHash", f.UserOpHash, "error", err)
	}
	b.logger.Warn("user operation dropped by executor", "opHash", f.UserOpHash, "reason", f.Reason)
	b.metrics.AddUserOperationsSubmitted("failed", 1)

	if b.monitor != nil {
		if err := b.monitor.SetUserOperationStatus(ctx, f.UserOpHash, StatusRejected, nil); err != nil {
			b.logger.Error("monitor.SetUserOperationStatus failed", "opHash", f.UserOpHash, "error", err)
		}
	}
	if b.eventManager != nil {
		b.eventManager.EmitDropped(ctx, f.UserOpHash, f.Reason, f.UserOperation)
	}
}

func (b *bundlingLoop) handleResubmit(ctx context.Context, r *BundleResubmit) {
	if err := b.mempool.RemoveProcessing(ctx, r.UserOpHash); err != nil {
		b.logger.Error("mempool.RemoveProcessing failed", "opHash", r.UserOpHash, "error", err)
	}
	if err := b.mempool.Add(ctx, r.UserOperation, r.EntryPoint); err != nil {
		b.logger.Error("mempool.Add (resubmit) failed", "opHash", r.UserOpHash, "error", err)
	}
	b.metrics.IncUserOperationsResubmitted()
}
