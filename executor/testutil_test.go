package executor

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/bundler-executor/pkg/erc4337/userop"
)

func bigFromInt(v int64) *big.Int {
	return big.NewInt(v)
}

// fakeMempool is an in-memory Mempool double recording every call so
// tests can assert on side effects without a real storage layer.
type fakeMempool struct {
	mu sync.Mutex

	processBatches [][]*UserOperationInfo
	processErr     error

	submitted map[common.Hash]*TransactionInfo

	dumpErr error

	marked      []common.Hash
	removedProc []common.Hash
	removedSub  []common.Hash
	replaced    []common.Hash
	added       []*UserOperationInfo
}

func newFakeMempool() *fakeMempool {
	return &fakeMempool{submitted: make(map[common.Hash]*TransactionInfo)}
}

func (m *fakeMempool) Process(ctx context.Context, maxGas uint64, minCount int) ([]*UserOperationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processErr != nil {
		return nil, m.processErr
	}
	if len(m.processBatches) == 0 {
		return nil, nil
	}
	batch := m.processBatches[0]
	m.processBatches = m.processBatches[1:]
	return batch, nil
}

func (m *fakeMempool) DumpSubmittedOps(ctx context.Context) ([]*SubmittedUserOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dumpErr != nil {
		return nil, m.dumpErr
	}
	out := make([]*SubmittedUserOperation, 0, len(m.submitted))
	for _, txInfo := range m.submitted {
		for _, op := range txInfo.UserOperationInfos {
			out = append(out, &SubmittedUserOperation{UserOperationInfo: op, TransactionInfo: txInfo})
		}
	}
	return out, nil
}

func (m *fakeMempool) MarkSubmitted(ctx context.Context, opHash common.Hash, txInfo *TransactionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, opHash)
	m.submitted[txInfo.TransactionHash] = txInfo
	return nil
}

func (m *fakeMempool) RemoveProcessing(ctx context.Context, opHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedProc = append(m.removedProc, opHash)
	return nil
}

func (m *fakeMempool) RemoveSubmitted(ctx context.Context, opHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedSub = append(m.removedSub, opHash)
	for _, txInfo := range m.submitted {
		txInfo.removeOp(opHash)
	}
	return nil
}

func (m *fakeMempool) ReplaceSubmitted(ctx context.Context, opInfo *UserOperationInfo, newTxInfo *TransactionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced = append(m.replaced, opInfo.UserOpHash)
	return nil
}

func (m *fakeMempool) Add(ctx context.Context, opInfo *UserOperationInfo, entryPoint common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, opInfo)
	return nil
}

// fakeExecutor is an Executor double whose behavior is driven by
// function fields so each test configures only what it needs.
type fakeExecutor struct {
	bundleFunc           func(ctx context.Context, entryPoint common.Address, ops []*UserOperationInfo) ([]BundleResult, error)
	bundleCompressedFunc func(ctx context.Context, entryPoint common.Address, ops []*UserOperationInfo) ([]BundleResult, error)
	replaceFunc          func(ctx context.Context, txInfo *TransactionInfo) (ReplaceResult, error)

	markWalletProcessedCalls []common.Address
}

func (e *fakeExecutor) Bundle(ctx context.Context, entryPoint common.Address, ops []*UserOperationInfo) ([]BundleResult, error) {
	if e.bundleFunc != nil {
		return e.bundleFunc(ctx, entryPoint, ops)
	}
	return nil, nil
}

func (e *fakeExecutor) BundleCompressed(ctx context.Context, entryPoint common.Address, ops []*UserOperationInfo) ([]BundleResult, error) {
	if e.bundleCompressedFunc != nil {
		return e.bundleCompressedFunc(ctx, entryPoint, ops)
	}
	return nil, nil
}

func (e *fakeExecutor) ReplaceTransaction(ctx context.Context, txInfo *TransactionInfo) (ReplaceResult, error) {
	if e.replaceFunc != nil {
		return e.replaceFunc(ctx, txInfo)
	}
	return ReplaceResult{}, nil
}

func (e *fakeExecutor) MarkWalletProcessed(ctx context.Context, wallet common.Address) error {
	e.markWalletProcessedCalls = append(e.markWalletProcessedCalls, wallet)
	return nil
}

// fakeEVMClient is an EVMClient double. bundleStatusFunc drives
// BundleStatus; the rest of the interface returns zero values unless a
// test wires a func field.
type fakeEVMClient struct {
	bundleStatusFunc func(ctx context.Context, entryPoint common.Address, txHash common.Hash) (BundleStatus, error)
	blockNumberFunc  func(ctx context.Context) (uint64, error)
	filterLogsFunc   func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	receiptFunc      func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	txByHashFunc     func(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	subscribeFunc    func(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

func (c *fakeEVMClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if c.subscribeFunc != nil {
		return c.subscribeFunc(ctx, ch)
	}
	return &noopSubscription{}, nil
}

func (c *fakeEVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	if c.blockNumberFunc != nil {
		return c.blockNumberFunc(ctx)
	}
	return 0, nil
}

func (c *fakeEVMClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if c.filterLogsFunc != nil {
		return c.filterLogsFunc(ctx, q)
	}
	return nil, nil
}

func (c *fakeEVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if c.receiptFunc != nil {
		return c.receiptFunc(ctx, txHash)
	}
	return nil, ErrReceiptNotFound
}

func (c *fakeEVMClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	if c.txByHashFunc != nil {
		return c.txByHashFunc(ctx, txHash)
	}
	return nil, false, nil
}

func (c *fakeEVMClient) BundleStatus(ctx context.Context, entryPoint common.Address, txHash common.Hash) (BundleStatus, error) {
	if c.bundleStatusFunc != nil {
		return c.bundleStatusFunc(ctx, entryPoint, txHash)
	}
	return BundleStatus{Tag: BundleNotFound}, nil
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe()      {}
func (noopSubscription) Err() <-chan error { return make(chan error) }

// fakeMonitor records every status transition reported to it.
type fakeMonitor struct {
	mu    sync.Mutex
	calls []monitorCall
}

type monitorCall struct {
	opHash common.Hash
	status MonitorStatus
	txHash *common.Hash
}

func (m *fakeMonitor) SetUserOperationStatus(ctx context.Context, opHash common.Hash, status MonitorStatus, txHash *common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, monitorCall{opHash: opHash, status: status, txHash: txHash})
	return nil
}

// fakeEventManager records every event emitted to it.
type fakeEventManager struct {
	mu      sync.Mutex
	dropped []common.Hash
	included []common.Hash
	reverted []common.Hash
	failed   []common.Hash
	frontran []common.Hash
}

func (e *fakeEventManager) EmitDropped(ctx context.Context, opHash common.Hash, reason string, op *UserOperationInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped = append(e.dropped, opHash)
}

func (e *fakeEventManager) EmitIncludedOnChain(ctx context.Context, opHash common.Hash, txHash common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.included = append(e.included, opHash)
}

func (e *fakeEventManager) EmitExecutionRevertedOnChain(ctx context.Context, opHash common.Hash, txHash common.Hash, revertReason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reverted = append(e.reverted, opHash)
}

func (e *fakeEventManager) EmitFailedOnChain(ctx context.Context, opHash common.Hash, txHash common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, opHash)
}

func (e *fakeEventManager) EmitFrontranOnChain(ctx context.Context, opHash common.Hash, txHash common.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frontran = append(e.frontran, opHash)
}

// fakeReputationManager records every inclusion update it is given.
type fakeReputationManager struct {
	mu    sync.Mutex
	calls []common.Hash
}

func (r *fakeReputationManager) UpdateUserOperationIncludedStatus(ctx context.Context, op *UserOperationInfo, entryPoint common.Address, accountDeployed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op.UserOpHash)
	return nil
}

// fakeGasOracle reports a fixed GasFees value, or an error if set.
type fakeGasOracle struct {
	fees GasFees
	err  error
}

func (g *fakeGasOracle) GetGasPrice(ctx context.Context) (GasFees, error) {
	if g.err != nil {
		return GasFees{}, g.err
	}
	return g.fees, nil
}

func testConfig(entryPoint common.Address) *Config {
	return &Config{
		EntryPoints:            []common.Address{entryPoint},
		PollingInterval:        10,
		BundleMode:             ModeManual,
		BundlerFrequency:       1000,
		MaxGasLimitPerBundle:   10_000_000,
		AA95ResubmitMultiplier: 125,
	}
}

func testUserOp(opHash common.Hash, entryPoint common.Address) *UserOperationInfo {
	return &UserOperationInfo{
		UserOpHash:    opHash,
		EntryPoint:    entryPoint,
		UserOperation: &userop.UserOperation{Sender: common.HexToAddress("0xabc")},
	}
}
