package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/bundler-executor/metrics"
	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

// ManagerDeps are the external collaborators a Manager is wired
// against. Mempool, Executor, Client, and GasOracle are required; the
// rest are optional and the corresponding side effect is simply skipped
// when nil.
type ManagerDeps struct {
	Mempool  Mempool
	Executor Executor
	Client   EVMClient

	GasOracle         GasOracle
	ReputationManager ReputationManager
	Monitor           Monitor
	EventManager      EventManager

	Logger     logger.Logger
	Registerer prometheus.Registerer
}

// Manager is the executor's top-level entry point: it owns every
// component and wires them into the control flow (bundle → first
// success subscribes to blocks → each block refreshes status and
// applies replacement policy).
type Manager struct {
	cfg     *Config
	logger  logger.Logger
	metrics *metrics.ExecutorMetrics

	mode     *modeController
	bundling *bundlingLoop
	blockSub *blockSubscription
	handler  *blockHandler
	status   *statusResolver
	replace  *replacementPolicy
	receipts *receiptReconstructor
	frontrun *frontrunWatcher
}

// NewManager builds and starts a Manager: its mode controller is live
// (in cfg.BundleMode) on return.
func NewManager(cfg *Config, deps ManagerDeps) (*Manager, error) {
	if deps.Mempool == nil || deps.Executor == nil || deps.Client == nil {
		return nil, fmt.Errorf("executor: Mempool, Executor, and Client are required")
	}

	lg := logger.EnsureLogger(deps.Logger)
	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := metrics.New(registerer)

	receipts, err := newReceiptReconstructor(deps.Client, cfg, lg)
	if err != nil {
		return nil, fmt.Errorf("constructing receipt reconstructor: %w", err)
	}

	replace := &replacementPolicy{
		mempool: deps.Mempool,
		exec:    deps.Executor,
		metrics: m,
		logger:  lg,
	}

	frontrun := &frontrunWatcher{
		client:   deps.Client,
		receipts: receipts,
		monitor:  deps.Monitor,
		events:   deps.EventManager,
		logger:   lg,
	}

	status := &statusResolver{
		client:            deps.Client,
		mempool:           deps.Mempool,
		reputationManager: deps.ReputationManager,
		monitor:           deps.Monitor,
		eventManager:      deps.EventManager,
		metrics:           m,
		logger:            lg,
		replacePolicy:     replace,
		cfg:               cfg,
	}
	status.startFrontrunWatcher = func(ctx context.Context, op *UserOperationInfo, anchorBlock uint64) {
		frontrun.watch(ctx, op, anchorBlock)
	}

	blockSub := newBlockSubscription(deps.Client, lg)

	gasOracle := deps.GasOracle
	if gasOracle == nil {
		return nil, fmt.Errorf("executor: GasOracle is required")
	}

	handler := &blockHandler{
		mempool:        deps.Mempool,
		statusResolver: status,
		replacePolicy:  replace,
		gasOracle:      gasOracle,
		cfg:            cfg,
		logger:         lg,
		blockSub:       blockSub,
	}

	bundling := &bundlingLoop{
		mempool:      deps.Mempool,
		exec:         deps.Executor,
		cfg:          cfg,
		metrics:      m,
		logger:       lg,
		monitor:      deps.Monitor,
		eventManager: deps.EventManager,
	}
	bundling.startWatching = func() {
		if err := blockSub.start(context.Background(), handler.onBlock); err != nil {
			lg.Error("starting block subscription failed", "error", err)
		}
	}

	mode, err := newModeController(time.Duration(cfg.BundlerFrequency)*time.Millisecond, lg, bundling.bundle)
	if err != nil {
		return nil, fmt.Errorf("constructing mode controller: %w", err)
	}
	if err := mode.SetMode(cfg.BundleMode); err != nil {
		return nil, fmt.Errorf("setting initial bundle mode: %w", err)
	}

	return &Manager{
		cfg:      cfg,
		logger:   lg,
		metrics:  m,
		mode:     mode,
		bundling: bundling,
		blockSub: blockSub,
		handler:  handler,
		status:   status,
		replace:  replace,
		receipts: receipts,
		frontrun: frontrun,
	}, nil
}

// BundleNow triggers a one-shot manual bundling pass.
func (m *Manager) BundleNow(ctx context.Context) ([]common.Hash, error) {
	return m.bundling.bundleNow(ctx)
}

// SetMode switches between auto and manual bundling.
func (m *Manager) SetMode(mode BundleMode) error {
	return m.mode.SetMode(mode)
}

// Mode reports the current bundling mode.
func (m *Manager) Mode() BundleMode {
	return m.mode.Mode()
}

// GetUserOperationReceipt reconstructs a user operation's receipt from
// chain logs.
func (m *Manager) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error) {
	return m.receipts.getUserOperationReceipt(ctx, userOpHash)
}

// Stop tears down the mode controller's timer and any active block
// subscription.
func (m *Manager) Stop() error {
	m.blockSub.stop()
	return m.mode.Stop()
}
