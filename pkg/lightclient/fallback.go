package lightclient

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/meta-node-blockchain/meta-spv/pkg/rpcfallback"
)

// Fallback is a trusted JSON-RPC endpoint, see rpcfallback.Provider.
type Fallback interface {
	TransactionReceiptStatus(ctx context.Context, hash common.Hash) (uint64, error)
	TransactionExist(ctx context.Context, hash common.Hash) (bool, error)
	Call(ctx context.Context, contract common.Address, data []byte, blockNumber *big.Int) ([]byte, error)
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	GetStorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

var _ Fallback = (*rpcfallback.Provider)(nil)

// The methods below are answered by the RPC endpoint and are NOT verified
// against any header. Without an endpoint they fail with
// rpcfallback.ErrNotSupported.

func (c *Client) TransactionReceiptStatus(ctx context.Context, hash common.Hash) (uint64, error) {
	if c.rpc == nil {
		return 0, rpcfallback.ErrNotSupported
	}
	return c.rpc.TransactionReceiptStatus(ctx, hash)
}

func (c *Client) TransactionExist(ctx context.Context, hash common.Hash) (bool, error) {
	if c.rpc == nil {
		return false, rpcfallback.ErrNotSupported
	}
	return c.rpc.TransactionExist(ctx, hash)
}

// Call runs a read-only contract call. A malformed result fails with
// rpcfallback.ErrInvalidData.
func (c *Client) Call(ctx context.Context, contract common.Address, data []byte, blockNumber *big.Int) ([]byte, error) {
	if c.rpc == nil {
		return nil, rpcfallback.ErrNotSupported
	}
	return c.rpc.Call(ctx, contract, data, blockNumber)
}

func (c *Client) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if c.rpc == nil {
		return nil, rpcfallback.ErrNotSupported
	}
	return c.rpc.GetLogs(ctx, q)
}

func (c *Client) GetStorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	if c.rpc == nil {
		return nil, rpcfallback.ErrNotSupported
	}
	return c.rpc.GetStorageAt(ctx, account, key, blockNumber)
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if c.rpc == nil {
		return 0, rpcfallback.ErrNotSupported
	}
	return c.rpc.EstimateGas(ctx, msg)
}
