package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/bundler-executor/core/chainio/aa"
	"github.com/AvaProtocol/bundler-executor/pkg/logger"
)

// UserOperationReceipt is the synthetic receipt reconstructed from chain
// logs for a single user operation.
type UserOperationReceipt struct {
	UserOpHash      common.Hash
	EntryPoint      common.Address
	Sender          common.Address
	Nonce           *big.Int
	Paymaster       *common.Address
	ActualGasUsed   *big.Int
	ActualGasCost   *big.Int
	Success         bool
	RevertReason    string
	Logs            []types.Log
	Receipt         *types.Receipt
}

// filterLogsAdapter satisfies bind.ContractFilterer using only the
// EVMClient's FilterLogs; SubscribeFilterLogs is never exercised by the
// abigen-generated ParseUserOperationEvent/ParseUserOperationRevertReason
// helpers, which decode a log already in hand rather than calling out.
type filterLogsAdapter struct {
	client EVMClient
}

func (f filterLogsAdapter) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.client.FilterLogs(ctx, q)
}

func (f filterLogsAdapter) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("filterLogsAdapter: SubscribeFilterLogs unsupported")
}

// receiptReconstructor rebuilds a synthetic user-operation receipt from
// the EntryPoint's on-chain logs.
type receiptReconstructor struct {
	client   EVMClient
	filterer *aa.EntryPointFilterer
	cfg      *Config
	logger   logger.Logger

	userOpEventTopic   common.Hash
	revertReasonTopic  common.Hash
}

func newReceiptReconstructor(client EVMClient, cfg *Config, lg logger.Logger) (*receiptReconstructor, error) {
	parsedABI, err := aa.EntryPointMetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("parsing EntryPoint ABI: %w", err)
	}

	filterer, err := aa.NewEntryPointFilterer(aa.EntrypointAddress, filterLogsAdapter{client})
	if err != nil {
		return nil, fmt.Errorf("constructing EntryPoint log filterer: %w", err)
	}

	return &receiptReconstructor{
		client:             client,
		filterer:           filterer,
		cfg:                cfg,
		logger:             logger.EnsureLogger(lg),
		userOpEventTopic:   eventTopic(parsedABI, "UserOperationEvent"),
		revertReasonTopic:  eventTopic(parsedABI, "UserOperationRevertReason"),
	}, nil
}

func eventTopic(parsedABI *abi.ABI, name string) common.Hash {
	return parsedABI.Events[name].ID
}

// getUserOperationReceipt rebuilds a receipt for userOpHash, or returns
// (nil, nil) for any of the cases where the user operation is still
// pending.
func (r *receiptReconstructor) getUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error) {
	query := ethereum.FilterQuery{
		Addresses: r.cfg.EntryPoints,
		Topics:    [][]common.Hash{{r.userOpEventTopic}, {userOpHash}},
	}

	if r.cfg.RPCMaxBlockRange != nil {
		latest, err := r.client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching latest block number: %w", err)
		}
		from := int64(0)
		if latest > *r.cfg.RPCMaxBlockRange {
			from = int64(latest - *r.cfg.RPCMaxBlockRange)
		}
		query.FromBlock = big.NewInt(from)
		query.ToBlock = big.NewInt(int64(latest))
	}

	logs, err := r.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filtering UserOperationEvent logs: %w", err)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	event, err := r.filterer.ParseUserOperationEvent(logs[0])
	if err != nil {
		return nil, fmt.Errorf("decoding UserOperationEvent: %w", err)
	}

	if event.Raw.TxHash == (common.Hash{}) {
		return nil, nil
	}

	receipt, err := r.fetchReceiptRetrying(ctx, event.Raw.TxHash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, nil
	}

	if receipt.EffectiveGasPrice == nil {
		tx, _, err := r.client.TransactionByHash(ctx, event.Raw.TxHash)
		if err == nil && tx != nil {
			receipt.EffectiveGasPrice = tx.GasPrice()
		}
	}

	for _, log := range receipt.Logs {
		if log.BlockHash == (common.Hash{}) || log.BlockNumber == 0 ||
			log.TxHash == (common.Hash{}) || len(log.Topics) == 0 {
			return nil, nil
		}
	}

	startIndex, endIndex := -1, -1
	var entryPoint common.Address
	var revertReason string
	for i, log := range receipt.Logs {
		if len(log.Topics) == 0 {
			continue
		}
		switch log.Topics[0] {
		case r.userOpEventTopic:
			if len(log.Topics) > 1 && log.Topics[1] == userOpHash {
				endIndex = i
				entryPoint = log.Address
			} else if endIndex == -1 {
				startIndex = i
			}
		case r.revertReasonTopic:
			if len(log.Topics) > 1 && log.Topics[1] == userOpHash {
				if reasonEvent, err := r.filterer.ParseUserOperationRevertReason(*log); err == nil {
					revertReason = string(reasonEvent.RevertReason)
				}
			}
		}
	}

	if endIndex == -1 {
		return nil, ErrNoUserOperationEvent
	}

	opLogs := receipt.Logs[startIndex+1 : endIndex]
	rawLogs := make([]types.Log, 0, len(opLogs))
	for _, l := range opLogs {
		rawLogs = append(rawLogs, *l)
	}

	normalizedReceipt := *receipt
	if receipt.Status == types.ReceiptStatusSuccessful {
		normalizedReceipt.Status = 1
	} else {
		normalizedReceipt.Status = 0
	}

	var paymaster *common.Address
	if event.Paymaster != (common.Address{}) {
		p := event.Paymaster
		paymaster = &p
	}

	return &UserOperationReceipt{
		UserOpHash:    userOpHash,
		EntryPoint:    entryPoint,
		Sender:        event.Sender,
		Nonce:         event.Nonce,
		Paymaster:     paymaster,
		ActualGasUsed: event.ActualGasUsed,
		ActualGasCost: event.ActualGasCost,
		Success:       event.Success,
		RevertReason:  revertReason,
		Logs:          rawLogs,
		Receipt:       &normalizedReceipt,
	}, nil
}

// fetchReceiptRetrying retries indefinitely on ErrReceiptNotFound: any
// other error propagates immediately.
func (r *receiptReconstructor) fetchReceiptRetrying(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := r.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			return nil, fmt.Errorf("fetching transaction receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollingIntervalDuration(r.cfg.PollingInterval)):
		}
	}
}
