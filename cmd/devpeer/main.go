// Command devpeer serves a synthetic chain over the light client protocol.
// Accepted transfers are applied in the next mined block.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/config"
	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	p_network "github.com/meta-node-blockchain/meta-spv/pkg/network"
	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	"github.com/meta-node-blockchain/meta-spv/pkg/testpeer"
)

var (
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "Listen address",
		Value: "127.0.0.1:30400",
	}
	transportFlag = &cli.StringFlag{
		Name:  "transport",
		Usage: "tcp or quic",
		Value: "tcp",
	}
	networkIDFlag = &cli.Uint64Flag{
		Name:  "networkid",
		Value: 1,
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chainid",
		Usage: "Chain id used to recover transaction senders",
		Value: 1,
	}
	lengthFlag = &cli.IntFlag{
		Name:  "length",
		Usage: "Number of blocks mined before serving",
		Value: 256,
	}
	blockTimeFlag = &cli.DurationFlag{
		Name:  "blocktime",
		Usage: "Interval between announced blocks, 0 disables mining",
		Value: 5 * time.Second,
	}
	fundFlag = &cli.StringSliceFlag{
		Name:  "fund",
		Usage: "Address credited in genesis, may be repeated",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Value: logger.FLAG_INFO,
	}
)

// genesisBalance is the wei credited to every funded address.
const genesisBalance = 1_000_000_000_000_000_000

var app = &cli.App{
	Name:  "devpeer",
	Usage: "serve a synthetic chain to light clients",
	Flags: []cli.Flag{
		listenFlag,
		transportFlag,
		networkIDFlag,
		chainIDFlag,
		lengthFlag,
		blockTimeFlag,
		fundFlag,
		verbosityFlag,
	},
	Action: serve,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx *cli.Context) error {
	logger.SetConfig(&logger.LoggerConfig{
		Flag:       ctx.Int(verbosityFlag.Name),
		Identifier: "devpeer",
		Outputs:    []io.Writer{os.Stderr},
	})

	accounts := testpeer.Accounts{}
	for _, hex := range ctx.StringSlice(fundFlag.Name) {
		if !common.IsHexAddress(hex) {
			return fmt.Errorf("invalid address %q", hex)
		}
		accounts[common.HexToAddress(hex)] = testpeer.NewAccount(genesisBalance, 0)
	}
	chain := testpeer.NewChain(ctx.Int(lengthFlag.Name), accounts)
	peer := testpeer.New(chain, ctx.Uint64(networkIDFlag.Name))

	checkpoint, err := config.EncodeCheckpoint(chain.Genesis())
	if err != nil {
		return err
	}
	fmt.Printf("[Chain]\nNetworkID = %d\nGenesis = \"%s\"\nCheckpoint = \"%s\"\n",
		ctx.Uint64(networkIDFlag.Name), chain.Genesis().Hash().Hex(), checkpoint)

	listener, err := p_network.Listen(ctx.String(transportFlag.Name), ctx.String(listenFlag.Name))
	if err != nil {
		return err
	}
	manager := p_network.NewConnectionsManager()
	server, err := p_network.NewSocketServer(p_network.DefaultConfig(), listener, manager, p_network.NewHandler(peer.Routes()))
	if err != nil {
		_ = listener.Close()
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return server.Listen(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		server.Stop()
		return nil
	})
	if interval := ctx.Duration(blockTimeFlag.Name); interval > 0 {
		m := &miner{
			peer:    peer,
			server:  server,
			manager: manager,
			signer:  types.LatestSignerForChainID(new(big.Int).SetUint64(ctx.Uint64(chainIDFlag.Name))),
		}
		g.Go(func() error {
			m.run(gctx, interval)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type miner struct {
	peer    *testpeer.Peer
	server  *p_network.SocketServer
	manager *p_network.ConnectionsManager
	signer  types.Signer
	// applied counts the accepted transactions already mined.
	applied int
}

func (m *miner) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head := m.peer.Chain().Mine(m.changes())
			packet := &protocol.NewBlockPacket{Number: head.Number.Uint64(), Hash: head.Hash()}
			if err := m.server.Sender().BroadcastMessage(m.manager.Connections(), p_common.NewBlock, packet); err != nil {
				logger.Warn("Announce failed", "err", err)
			}
			logger.Info("Mined block", "number", head.Number, "hash", head.Hash(), "peers", m.manager.Count())
		}
	}
}

// changes applies the transactions accepted since the last block as plain
// value transfers. Transactions that do not fit the sender state are dropped.
func (m *miner) changes() testpeer.Accounts {
	txs := m.peer.Transactions()
	if len(txs) <= m.applied {
		return nil
	}
	chain := m.peer.Chain()
	number := chain.Head().Number.Uint64()
	changes := testpeer.Accounts{}
	account := func(addr common.Address) *types.StateAccount {
		if acct, ok := changes[addr]; ok {
			return acct
		}
		acct := testpeer.NewAccount(0, 0)
		if cur := chain.Account(addr, number); cur != nil {
			acct.Nonce = cur.Nonce
			acct.Balance = new(uint256.Int).Set(cur.Balance)
		}
		changes[addr] = acct
		return acct
	}

	for _, tx := range txs[m.applied:] {
		from, err := types.Sender(m.signer, tx)
		if err != nil {
			logger.Debug("Dropping transaction", "hash", tx.Hash(), "err", err)
			continue
		}
		value, overflow := uint256.FromBig(tx.Value())
		sender := account(from)
		if overflow || tx.Nonce() != sender.Nonce || sender.Balance.Lt(value) || tx.To() == nil {
			logger.Debug("Dropping transaction", "hash", tx.Hash(), "from", from, "nonce", tx.Nonce())
			continue
		}
		sender.Nonce++
		sender.Balance = new(uint256.Int).Sub(sender.Balance, value)
		recipient := account(*tx.To())
		recipient.Balance = new(uint256.Int).Add(recipient.Balance, value)
	}
	m.applied = len(txs)
	return changes
}
