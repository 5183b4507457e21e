package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/AvaProtocol/bundler-executor/core/chainio/aa"
)

// Client is the concrete EVMClient backing a Manager in production: an
// ethclient.Client plus the EntryPoint ABI needed to classify reverts.
type Client struct {
	raw          *ethclient.Client
	entryPointABI *abi.ABI
	userOpEventTopic  common.Hash
	accountDeployedTopic common.Hash
}

// NewClient wraps an already-dialled ethclient.Client.
func NewClient(raw *ethclient.Client) (*Client, error) {
	parsedABI, err := aa.EntryPointMetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("parsing EntryPoint ABI: %w", err)
	}
	return &Client{
		raw:                  raw,
		entryPointABI:        parsedABI,
		userOpEventTopic:     parsedABI.Events["UserOperationEvent"].ID,
		accountDeployedTopic: parsedABI.Events["AccountDeployed"].ID,
	}, nil
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return c.raw.SubscribeNewHead(ctx, ch)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.raw.BlockNumber(ctx)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.raw.FilterLogs(ctx, q)
}

// TransactionReceipt translates the go-ethereum "not found" sentinel
// into ErrReceiptNotFound, the retry/not-found signal the rest of the
// executor package matches on.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.raw.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	return receipt, err
}

func (c *Client) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	return c.raw.TransactionByHash(ctx, txHash)
}

// BundleStatus classifies a candidate transaction hash against the
// EntryPoint's on-chain outcome: not_found when the chain has no
// receipt yet, included with a per-op outcome map decoded from
// UserOperationEvent logs, or reverted with a best-effort revert reason
// recovered by replaying the call.
func (c *Client) BundleStatus(ctx context.Context, entryPoint common.Address, txHash common.Hash) (BundleStatus, error) {
	receipt, err := c.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ErrReceiptNotFound) {
		return BundleStatus{Tag: BundleNotFound}, nil
	}
	if err != nil {
		return BundleStatus{}, fmt.Errorf("fetching receipt for bundle status: %w", err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		reason, isAA95 := c.classifyRevert(ctx, txHash, receipt.BlockNumber)
		return BundleStatus{Tag: BundleReverted, IsAA95: isAA95, RevertReason: reason}, nil
	}

	outcomes := make(map[common.Hash]PerOpOutcome)
	for _, log := range receipt.Logs {
		if len(log.Topics) == 0 || log.Topics[0] != c.userOpEventTopic || log.Address != entryPoint {
			continue
		}
		var decoded struct {
			Nonce         *big.Int
			Success       bool
			ActualGasCost *big.Int
			ActualGasUsed *big.Int
		}
		if err := c.entryPointABI.UnpackIntoInterface(&decoded, "UserOperationEvent", log.Data); err != nil {
			continue
		}
		if len(log.Topics) < 2 {
			continue
		}
		opHash := log.Topics[1]
		status := PerOpSuccessful
		if !decoded.Success {
			status = PerOpReverted
		}
		outcomes[opHash] = PerOpOutcome{
			Status:          status,
			AccountDeployed: c.accountWasDeployed(receipt.Logs, log.Address),
		}
	}

	return BundleStatus{Tag: BundleIncluded, PerOpOutcomes: outcomes}, nil
}

func (c *Client) accountWasDeployed(logs []*types.Log, sender common.Address) bool {
	for _, log := range logs {
		if len(log.Topics) > 0 && log.Topics[0] == c.accountDeployedTopic {
			return true
		}
	}
	_ = sender
	return false
}

// classifyRevert replays the reverted transaction as an eth_call at the
// block before its including block to recover the EntryPoint's FailedOp(opIndex, reason)
// revert data. A replay that fails to decode leaves the reason blank and
// isAA95 false, which the status resolver treats as a generic revert.
func (c *Client) classifyRevert(ctx context.Context, txHash common.Hash, blockNumber *big.Int) (reason string, isAA95 bool) {
	tx, _, err := c.raw.TransactionByHash(ctx, txHash)
	if err != nil || tx.To() == nil {
		return "", false
	}

	msg := ethereum.CallMsg{
		To:   tx.To(),
		Data: tx.Data(),
		Gas:  tx.Gas(),
	}
	if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		msg.From = from
	}

	replayBlock := new(big.Int).Sub(blockNumber, big.NewInt(1))
	_, callErr := c.raw.CallContract(ctx, msg, replayBlock)
	if callErr == nil {
		return "", false
	}

	data := extractRevertData(callErr)
	if data == nil {
		return callErr.Error(), false
	}

	unpacked, err := c.entryPointABI.Errors["FailedOp"].Inputs.Unpack(data)
	if err != nil || len(unpacked) < 2 {
		return callErr.Error(), false
	}
	failReason, _ := unpacked[1].(string)
	return failReason, strings.Contains(failReason, "AA95")
}

// extractRevertData pulls the ABI-encoded error payload off a
// go-ethereum JSON-RPC error when the node returns one (rpc.DataError).
func extractRevertData(err error) []byte {
	type dataError interface {
		ErrorData() interface{}
	}
	de, ok := err.(dataError)
	if !ok {
		return nil
	}
	hexStr, ok := de.ErrorData().(string)
	if !ok || len(hexStr) < 2 {
		return nil
	}
	data := common.FromHex(hexStr)
	if len(data) < 4 {
		return nil
	}
	return data[4:]
}
