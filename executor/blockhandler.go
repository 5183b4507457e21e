package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/bundler-executor/pkg/logger"
	"github.com/AvaProtocol/bundler-executor/pkg/timekeeper"
)

// blockHandler is a single-flighted per-block tick that refreshes every
// submitted transaction's status and then applies the gas-price and
// stuck replacement passes.
type blockHandler struct {
	mempool         Mempool
	statusResolver  *statusResolver
	replacePolicy   *replacementPolicy
	gasOracle       GasOracle
	cfg             *Config
	logger          logger.Logger
	blockSub        *blockSubscription

	running atomic.Bool
}

// distinctTransactions collapses a submitted-ops snapshot into its
// distinct TransactionInfo set, each paired with the entry point one of
// its ops targets (all ops in one TransactionInfo share an entry point).
func distinctTransactions(submitted []*SubmittedUserOperation) map[*TransactionInfo]common.Address {
	out := make(map[*TransactionInfo]common.Address)
	for _, s := range submitted {
		if _, ok := out[s.TransactionInfo]; !ok {
			out[s.TransactionInfo] = s.UserOperationInfo.EntryPoint
		}
	}
	return out
}

// onBlock is the block subscription's handler. It coalesces overlapping
// notifications via the running flag -- a notification arriving mid-tick
// is simply dropped, since the next tick re-reads authoritative state.
func (h *blockHandler) onBlock(ctx context.Context, blockNumber uint64) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	defer h.running.Store(false)

	tickID := ulid.Make().String()
	elapsed := timekeeper.NewElapsing()

	submitted, err := h.mempool.DumpSubmittedOps(ctx)
	if err != nil {
		h.logger.Error("mempool.DumpSubmittedOps failed", "tickID", tickID, "blockNumber", blockNumber, "error", err)
		return
	}
	if len(submitted) == 0 {
		h.blockSub.stop()
		return
	}

	h.refreshStatuses(ctx, submitted)
	h.applyGasPriceReplacements(ctx)
	h.applyStuckReplacements(ctx)

	h.logger.Debug("block tick", "tickID", tickID, "blockNumber", blockNumber, "submittedCount", len(submitted), "duration", elapsed.Report())
}

// refreshStatuses resolves the on-chain status for every distinct
// TransactionInfo in parallel.
func (h *blockHandler) refreshStatuses(ctx context.Context, submitted []*SubmittedUserOperation) {
	txs := distinctTransactions(submitted)

	g, gctx := errgroup.WithContext(ctx)
	for txInfo, entryPoint := range txs {
		txInfo, entryPoint := txInfo, entryPoint
		g.Go(func() error {
			h.statusResolver.refreshTransactionStatus(gctx, entryPoint, txInfo)
			return nil
		})
	}
	_ = g.Wait()
}

// applyGasPriceReplacements replaces any still-submitted transaction
// whose current fees are strictly below the oracle's reported fees in
// either dimension.
func (h *blockHandler) applyGasPriceReplacements(ctx context.Context) {
	fees, err := h.gasOracle.GetGasPrice(ctx)
	if err != nil {
		h.logger.Error("gasOracle.GetGasPrice failed", "error", err)
		return
	}

	submitted, err := h.mempool.DumpSubmittedOps(ctx)
	if err != nil {
		h.logger.Error("mempool.DumpSubmittedOps failed", "error", err)
		return
	}

	for txInfo := range distinctTransactions(submitted) {
		req := txInfo.TransactionRequest
		if req.MaxFeePerGas.Cmp(fees.MaxFeePerGas) < 0 || req.MaxPriorityFeePerGas.Cmp(fees.MaxPriorityFeePerGas) < 0 {
			h.replacePolicy.replaceTransaction(ctx, txInfo, "gas_price")
		}
	}
}

// applyStuckReplacements replaces any still-submitted transaction that
// has gone unreplaced for at least stuckTimeout.
func (h *blockHandler) applyStuckReplacements(ctx context.Context) {
	submitted, err := h.mempool.DumpSubmittedOps(ctx)
	if err != nil {
		h.logger.Error("mempool.DumpSubmittedOps failed", "error", err)
		return
	}

	now := time.Now()
	for txInfo := range distinctTransactions(submitted) {
		if now.Sub(txInfo.LastReplaced) >= stuckTimeout*time.Second {
			h.replacePolicy.replaceTransaction(ctx, txInfo, "stuck")
		}
	}
}
