package fees

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// DialGasSource connects an ethclient to rpcURL for live gas prices. The
// caller owns the returned client and must Close it.
func DialGasSource(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("fees: dial gas rpc: %w", err)
	}
	return ethclient.NewClient(rpcClient), nil
}

var _ GasPriceSource = (*ethclient.Client)(nil)
