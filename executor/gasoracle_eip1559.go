package executor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/AvaProtocol/bundler-executor/pkg/eip1559"
)

// eip1559GasOracle adapts pkg/eip1559.SuggestFee into a GasOracle,
// giving the gas-price replacement pass a real fee source when no
// external gas-price service is wired in.
type eip1559GasOracle struct {
	client *ethclient.Client
}

func newEIP1559GasOracle(client *ethclient.Client) *eip1559GasOracle {
	return &eip1559GasOracle{client: client}
}

// NewEIP1559GasOracle builds the default GasOracle for production
// wiring: callers who don't have their own fee-market service can hand
// this straight to ManagerDeps.GasOracle.
func NewEIP1559GasOracle(client *ethclient.Client) GasOracle {
	return newEIP1559GasOracle(client)
}

func (o *eip1559GasOracle) GetGasPrice(ctx context.Context) (GasFees, error) {
	maxFeePerGas, maxPriorityFeePerGas, err := eip1559.SuggestFee(o.client)
	if err != nil {
		return GasFees{}, fmt.Errorf("suggesting eip-1559 fees: %w", err)
	}
	return GasFees{
		MaxFeePerGas:         maxFeePerGas,
		MaxPriorityFeePerGas: maxPriorityFeePerGas,
	}, nil
}
