package executor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

// blockSubscription owns the single active block subscription. At most
// one subscription is ever active: start is idempotent,
// and errors from the transport are logged, not fatal -- the transport
// is expected to retry on its own.
type blockSubscription struct {
	mu     sync.Mutex
	client EVMClient
	logger logger.Logger

	sub    ethereum.Subscription
	headCh chan *types.Header
	cancel context.CancelFunc
}

func newBlockSubscription(client EVMClient, lg logger.Logger) *blockSubscription {
	return &blockSubscription{
		client: client,
		logger: logger.EnsureLogger(lg),
	}
}

// start subscribes to new block headers and invokes handler on every
// one received. A no-op if a subscription is already active.
func (b *blockSubscription) start(ctx context.Context, handler func(ctx context.Context, blockNumber uint64)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		return nil
	}

	headCh := make(chan *types.Header, 16)
	sub, err := b.client.SubscribeNewHead(ctx, headCh)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	b.sub = sub
	b.headCh = headCh
	b.cancel = cancel

	go func() {
		for {
			select {
			case <-watchCtx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					b.logger.Warn("block subscription error, relying on transport retry", "error", err)
				}
			case head := <-headCh:
				if head == nil {
					continue
				}
				handler(watchCtx, head.Number.Uint64())
			}
		}
	}()

	return nil
}

// stop unsubscribes and clears the handle. Safe to call when not
// subscribed.
func (b *blockSubscription) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub == nil {
		return
	}

	b.sub.Unsubscribe()
	if b.cancel != nil {
		b.cancel()
	}
	b.sub = nil
	b.headCh = nil
	b.cancel = nil
}

// active reports whether a subscription is currently held.
func (b *blockSubscription) active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil
}

// pollingIntervalDuration converts the configured millisecond polling
// interval into a time.Duration. It sets the delay between receipt
// lookups in fetchReceiptRetrying; the block subscription does not use
// it.
func pollingIntervalDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
