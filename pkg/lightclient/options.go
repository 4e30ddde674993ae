package lightclient

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meta-node-blockchain/meta-spv/pkg/blocksync"
	"github.com/meta-node-blockchain/meta-spv/pkg/metrics"
	p_network "github.com/meta-node-blockchain/meta-spv/pkg/network"
	"github.com/meta-node-blockchain/meta-spv/pkg/txsender"
	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
)

// Options wires one client. Storage, Checkpoint and Peers are required.
type Options struct {
	NetworkID uint64
	// Genesis is compared with the peer's genesis when set.
	Genesis    common.Hash
	Checkpoint *types.Header

	Peers     PeerSelector
	Transport p_network.Transport
	Network   *p_network.Config

	Storage   spvtypes.Storage
	Validator *blocksync.Validator
	BatchSize uint64

	// Addresses are tracked in addition to the signer's address.
	Addresses []common.Address
	Builder   txsender.Builder
	Signer    txsender.Signer

	// RPC answers queries that cannot be proved. Nil disables them.
	RPC Fallback

	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() error {
	if o.Storage == nil {
		return errors.New("lightclient: storage is required")
	}
	if o.Checkpoint == nil {
		return errors.New("lightclient: checkpoint header is required")
	}
	if o.Peers == nil {
		return errors.New("lightclient: peer selector is required")
	}
	if o.Transport == nil {
		o.Transport = p_network.TCPTransport{}
	}
	if o.Network == nil {
		o.Network = p_network.DefaultConfig()
	}
	if o.Builder == nil {
		o.Builder = txsender.LegacyBuilder{GasLimit: 21_000}
	}
	if o.Metrics == nil {
		m, err := metrics.New("spv", prometheus.NewRegistry())
		if err != nil {
			return err
		}
		o.Metrics = m
	}
	return nil
}
