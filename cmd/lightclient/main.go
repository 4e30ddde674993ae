// Command lightclient follows a chain from a trusted checkpoint through one
// full node peer and keeps the configured accounts proved.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/config"
	"github.com/meta-node-blockchain/meta-spv/pkg/lightclient"
	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	"github.com/meta-node-blockchain/meta-spv/pkg/metrics"
	p_network "github.com/meta-node-blockchain/meta-spv/pkg/network"
	"github.com/meta-node-blockchain/meta-spv/pkg/rpcfallback"
	"github.com/meta-node-blockchain/meta-spv/pkg/storage"
	"github.com/meta-node-blockchain/meta-spv/pkg/txsender"
	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	peerFlag = &cli.StringSliceFlag{
		Name:  "peer",
		Usage: "Full node address, may be repeated",
	}
	transportFlag = &cli.StringFlag{
		Name:  "transport",
		Usage: "Peer transport (tcp or quic)",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Header database directory, empty keeps headers in memory",
	}
	rpcFlag = &cli.StringFlag{
		Name:  "rpc",
		Usage: "Trusted JSON-RPC endpoint for unverifiable queries",
	}
	addressFlag = &cli.StringSliceFlag{
		Name:  "address",
		Usage: "Account to keep proved, may be repeated",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Serve prometheus metrics on this address",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Log level (0=none 1=error 2=warn 3=info 4=debug 5=trace)",
		Value: -1,
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Log one JSON object per line",
	}

	toFlag = &cli.StringFlag{
		Name:     "to",
		Usage:    "Recipient address",
		Required: true,
	}
	valueFlag = &cli.StringFlag{
		Name:  "value",
		Usage: "Amount in wei, decimal or 0x hex",
		Value: "0",
	}
	syncTimeoutFlag = &cli.DurationFlag{
		Name:  "sync.timeout",
		Usage: "Give up when the client is not synced in time",
		Value: 2 * time.Minute,
	}

	nodeFlags = []cli.Flag{
		configFileFlag,
		peerFlag,
		transportFlag,
		dataDirFlag,
		rpcFlag,
		addressFlag,
		metricsAddrFlag,
		verbosityFlag,
		jsonFlag,
	}
)

var app = &cli.App{
	Name:   "lightclient",
	Usage:  "SPV light client",
	Flags:  nodeFlags,
	Action: run,
	Commands: []*cli.Command{
		{
			Name:   "dumpconfig",
			Usage:  "Print the effective configuration as TOML",
			Flags:  nodeFlags,
			Action: dumpConfig,
		},
		{
			Name:   "send",
			Usage:  "Wait for sync, send one transfer and print its hash",
			Flags:  append([]cli.Flag{toFlag, valueFlag, syncTimeoutFlag}, nodeFlags...),
			Action: sendTransfer,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies defaults, then the config file, then flags.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Defaults
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := config.Load(file, &cfg); err != nil {
			return nil, err
		}
	}
	if ctx.IsSet(peerFlag.Name) {
		cfg.Peer.Addresses = ctx.StringSlice(peerFlag.Name)
	}
	if ctx.IsSet(transportFlag.Name) {
		cfg.Peer.Transport = ctx.String(transportFlag.Name)
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.Storage.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(rpcFlag.Name) {
		cfg.RPC.URL = ctx.String(rpcFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Addr = ctx.String(metricsAddrFlag.Name)
	}
	for _, hex := range ctx.StringSlice(addressFlag.Name) {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("invalid address %q", hex)
		}
		cfg.Sync.Addresses = append(cfg.Sync.Addresses, common.HexToAddress(hex))
	}
	if v := ctx.Int(verbosityFlag.Name); v >= 0 {
		cfg.Log.Verbosity = v
	}
	if ctx.IsSet(jsonFlag.Name) {
		cfg.Log.JSON = ctx.Bool(jsonFlag.Name)
	}
	return &cfg, nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	return config.Dump(os.Stdout, cfg)
}

// node is a configured client plus everything it owns.
type node struct {
	cfg      *config.Config
	client   *lightclient.Client
	store    spvtypes.Storage
	provider *rpcfallback.Provider
	registry *prometheus.Registry
}

func newNode(cfg *config.Config) (*node, error) {
	logger.SetConfig(&logger.LoggerConfig{
		Flag:       cfg.Log.Verbosity,
		Identifier: "spv",
		JSON:       cfg.Log.JSON,
		Outputs:    []io.Writer{os.Stdout},
	})

	checkpoint, err := cfg.Chain.CheckpointHeader()
	if err != nil {
		return nil, err
	}
	transport, err := p_network.NewTransport(cfg.Peer.Transport)
	if err != nil {
		return nil, err
	}
	if len(cfg.Peer.Addresses) == 0 {
		return nil, errors.New("no peer configured, set Peer.Addresses or --peer")
	}
	for _, addr := range cfg.Peer.Addresses {
		if _, _, err := p_common.SplitConnectionAddress(addr); err != nil {
			return nil, fmt.Errorf("peer %q: %w", addr, err)
		}
	}
	peers := lightclient.NewStaticPeers(cfg.Peer.Addresses...)
	key, err := cfg.Wallet.PrivateKey()
	if err != nil {
		return nil, err
	}

	n := &node{cfg: cfg, registry: prometheus.NewRegistry()}
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(cfg.Metrics.Namespace, n.registry)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.DataDir != "" {
		n.store, err = storage.OpenLevelDB(cfg.Storage.DataDir)
		if err != nil {
			return nil, err
		}
	} else {
		n.store = storage.NewMemoryStore()
	}

	opts := lightclient.Options{
		NetworkID:  cfg.Chain.NetworkID,
		Genesis:    cfg.Chain.Genesis,
		Checkpoint: checkpoint,
		Peers:      peers,
		Transport:  transport,
		Network:    cfg.Network.Settings(),
		Storage:    n.store,
		Validator:  cfg.Sync.Validator(),
		BatchSize:  cfg.Sync.BatchSize,
		Addresses:  cfg.Sync.Addresses,
		Builder: txsender.LegacyBuilder{
			GasPrice: new(big.Int).SetUint64(cfg.Wallet.GasPrice),
			GasLimit: cfg.Wallet.GasLimit,
		},
		Metrics: m,
	}
	if key != nil {
		opts.Signer = txsender.NewKeySigner(key, new(big.Int).SetUint64(cfg.Chain.ChainID))
	}
	if cfg.RPC.URL != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Network.DialTimeout))
		n.provider, err = rpcfallback.Dial(dialCtx, cfg.RPC.URL)
		cancel()
		if err != nil {
			n.close()
			return nil, err
		}
		opts.RPC = n.provider
	}

	n.client, err = lightclient.New(opts)
	if err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *node) close() {
	if n.client != nil {
		n.client.Close()
	}
	if n.provider != nil {
		n.provider.Close()
	}
	if err := n.store.Close(); err != nil {
		logger.Warn("Failed to close storage", "err", err)
	}
}

// serve runs the client, the metrics endpoint and the event log until ctx is
// done. The client is closed before serve returns.
func (n *node) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := n.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("Serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		n.logEvents(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		n.client.Close()
		return nil
	})

	n.client.Start()
	return g.Wait()
}

func (n *node) logEvents(ctx context.Context) {
	heights := make(chan uint64, 64)
	balances := make(chan lightclient.BalanceUpdate, 64)
	states := make(chan spvtypes.SyncState, 16)
	heightSub := n.client.SubscribeLastBlockHeight(heights)
	defer heightSub.Unsubscribe()
	balanceSub := n.client.SubscribeBalance(balances)
	defer balanceSub.Unsubscribe()
	stateSub := n.client.SubscribeSyncState(states)
	defer stateSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case h := <-heights:
			logger.Debug("New header height", "number", h)
		case b := <-balances:
			logger.Info("Account proved", "address", b.Address, "balance", b.Balance, "nonce", b.Nonce, "block", b.BlockNumber)
		case s := <-states:
			if s.Failed() {
				logger.Warn("Sync failed", "err", s.Err)
			} else {
				logger.Info("Sync state changed", "state", s)
			}
		}
	}
}

// waitSynced blocks until the client reports Synced.
func (n *node) waitSynced(ctx context.Context) error {
	states := make(chan spvtypes.SyncState, 16)
	sub := n.client.SubscribeSyncState(states)
	defer sub.Unsubscribe()

	if n.client.SyncState().Kind == spvtypes.Synced {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-states:
			if s.Kind == spvtypes.Synced {
				return nil
			}
			if s.Failed() {
				logger.Warn("Sync failed, refreshing", "err", s.Err)
				n.client.Refresh()
			}
		}
	}
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	defer n.close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return n.serve(sigCtx)
}

func sendTransfer(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Wallet.Key == "" {
		return errors.New("send needs Wallet.Key in the config file")
	}
	to := ctx.String(toFlag.Name)
	if !common.IsHexAddress(to) {
		return fmt.Errorf("invalid recipient %q", to)
	}
	value, err := p_common.StringToUint256(ctx.String(valueFlag.Name))
	if err != nil {
		return fmt.Errorf("value %q: %w", ctx.String(valueFlag.Name), err)
	}

	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	defer n.close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	syncCtx, cancel := context.WithTimeout(sigCtx, ctx.Duration(syncTimeoutFlag.Name))
	defer cancel()

	n.client.Start()
	if err := n.waitSynced(syncCtx); err != nil {
		return fmt.Errorf("not synced: %w", err)
	}

	recipient := common.HexToAddress(to)
	select {
	case result := <-n.client.Send(&txsender.RawTransaction{To: &recipient, Value: value.ToBig()}):
		if result.Err != nil {
			return result.Err
		}
		fmt.Println(result.Tx.Hash().Hex())
		return nil
	case <-sigCtx.Done():
		return sigCtx.Err()
	}
}
