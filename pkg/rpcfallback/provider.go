// Package rpcfallback answers the queries a light client cannot prove by
// asking a trusted JSON-RPC endpoint. Nothing returned from here is checked
// against a state root; results carry exactly the endpoint's authority.
package rpcfallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
)

var (
	// ErrInvalidData is returned when the endpoint answers with a payload
	// that is not well formed hex.
	ErrInvalidData = errors.New("rpcfallback: invalid data")
	// ErrNotSupported is returned by clients configured without an endpoint.
	ErrNotSupported = errors.New("rpcfallback: not supported without an rpc endpoint")
	ErrNotFound     = ethereum.NotFound
)

type Provider struct {
	client *rpc.Client
	log    log.Logger
}

// Dial connects to url, which may be http(s), ws(s) or an IPC path.
func Dial(ctx context.Context, url string) (*Provider, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("rpcfallback: dial %s: %w", url, err)
	}
	return NewProvider(client), nil
}

func NewProvider(client *rpc.Client) *Provider {
	return &Provider{client: client, log: logger.New("module", "rpcfallback")}
}

func (p *Provider) Close() { p.client.Close() }

// TransactionReceiptStatus returns types.ReceiptStatusSuccessful or
// types.ReceiptStatusFailed for a mined transaction, ErrNotFound otherwise.
func (p *Provider) TransactionReceiptStatus(ctx context.Context, hash common.Hash) (uint64, error) {
	var raw json.RawMessage
	if err := p.client.CallContext(ctx, &raw, "eth_getTransactionReceipt", hash); err != nil {
		return 0, err
	}
	if isNull(raw) {
		return 0, ErrNotFound
	}
	var receipt struct {
		Status *hexutil.Uint64 `json:"status"`
	}
	if err := json.Unmarshal(raw, &receipt); err != nil || receipt.Status == nil {
		return 0, fmt.Errorf("%w: receipt without status", ErrInvalidData)
	}
	return uint64(*receipt.Status), nil
}

// TransactionExist reports whether the endpoint knows the transaction, pending or mined.
func (p *Provider) TransactionExist(ctx context.Context, hash common.Hash) (bool, error) {
	var raw json.RawMessage
	if err := p.client.CallContext(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return false, err
	}
	return !isNull(raw), nil
}

// Call executes a read-only contract call at blockNumber, or the latest
// block when blockNumber is nil.
func (p *Provider) Call(ctx context.Context, contract common.Address, data []byte, blockNumber *big.Int) ([]byte, error) {
	arg := map[string]interface{}{
		"to":    contract,
		"input": hexutil.Bytes(data),
	}
	return p.callHex(ctx, "eth_call", arg, toBlockNumArg(blockNumber))
}

func (p *Provider) GetStorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	return p.callHex(ctx, "eth_getStorageAt", account, key, toBlockNumArg(blockNumber))
}

func (p *Provider) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	arg, err := toFilterArg(q)
	if err != nil {
		return nil, err
	}
	var result []types.Log
	if err := p.client.CallContext(ctx, &result, "eth_getLogs", arg); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Provider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var raw json.RawMessage
	if err := p.client.CallContext(ctx, &raw, "eth_estimateGas", toCallArg(msg)); err != nil {
		return 0, err
	}
	var gas hexutil.Uint64
	if err := json.Unmarshal(raw, &gas); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return uint64(gas), nil
}

// callHex runs method and decodes a hex string result. Anything else is
// ErrInvalidData.
func (p *Provider) callHex(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	var raw json.RawMessage
	if err := p.client.CallContext(ctx, &raw, method, args...); err != nil {
		return nil, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		p.log.Warn("Non-string rpc result", "method", method, "result", string(raw))
		return nil, fmt.Errorf("%w: %s returned %s", ErrInvalidData, method, raw)
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		p.log.Warn("Malformed hex rpc result", "method", method, "err", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidData, method, err)
	}
	return b, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}

func toCallArg(msg ethereum.CallMsg) interface{} {
	arg := map[string]interface{}{
		"from": msg.From,
		"to":   msg.To,
	}
	if len(msg.Data) > 0 {
		arg["input"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(msg.GasPrice)
	}
	return arg
}

func toFilterArg(q ethereum.FilterQuery) (interface{}, error) {
	arg := map[string]interface{}{
		"address": q.Addresses,
		"topics":  q.Topics,
	}
	if q.BlockHash != nil {
		arg["blockHash"] = *q.BlockHash
		if q.FromBlock != nil || q.ToBlock != nil {
			return nil, errors.New("rpcfallback: cannot specify both BlockHash and FromBlock/ToBlock")
		}
		return arg, nil
	}
	if q.FromBlock == nil {
		arg["fromBlock"] = "0x0"
	} else {
		arg["fromBlock"] = toBlockNumArg(q.FromBlock)
	}
	arg["toBlock"] = toBlockNumArg(q.ToBlock)
	return arg, nil
}
