// Package config loads the light client configuration from TOML. Keys are
// the Go field names; unknown keys are rejected.
package config

import (
	"bufio"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"reflect"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/naoina/toml"

	"github.com/meta-node-blockchain/meta-spv/pkg/blocksync"
	p_network "github.com/meta-node-blockchain/meta-spv/pkg/network"
)

var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Duration reads and writes time.Duration as a string such as "15s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Chain   ChainConfig
	Peer    PeerConfig
	Sync    SyncConfig
	Network NetworkConfig
	Storage StorageConfig
	RPC     RPCConfig
	Metrics MetricsConfig
	Log     LogConfig
	Wallet  WalletConfig
}

type ChainConfig struct {
	NetworkID uint64
	ChainID   uint64
	Genesis   common.Hash `toml:",omitempty"`
	// Checkpoint is the RLP encoded trusted header, hex with 0x prefix.
	Checkpoint string
}

type PeerConfig struct {
	Addresses []string
	// Transport is "tcp" or "quic".
	Transport string
}

type SyncConfig struct {
	BatchSize      uint64
	MinDifficulty  uint64
	MaxFutureDrift Duration
	// Addresses whose state is proved besides the wallet's.
	Addresses []common.Address `toml:",omitempty"`
}

type NetworkConfig struct {
	DialTimeout            Duration
	WriteTimeout           Duration
	TaskTimeout            Duration
	MaxConsecutiveTimeouts int
	ReconnectBackoff       Duration
	MaxReconnectBackoff    Duration
	MaxMessageLength       uint64
}

type StorageConfig struct {
	// DataDir holds the header database. Empty keeps everything in memory.
	DataDir string
}

type RPCConfig struct {
	// URL of a trusted endpoint for queries that cannot be proved.
	URL string
}

type MetricsConfig struct {
	Namespace string
	// Addr serves /metrics when set.
	Addr string
}

type LogConfig struct {
	Verbosity int
	JSON      bool
}

type WalletConfig struct {
	// Key is a hex encoded secp256k1 private key.
	Key      string
	GasPrice uint64
	GasLimit uint64
}

// Defaults are the bounded timeouts and sizes used when a file leaves them out.
var Defaults = Config{
	Chain: ChainConfig{
		NetworkID: 1,
		ChainID:   1,
	},
	Peer: PeerConfig{
		Transport: "tcp",
	},
	Sync: SyncConfig{
		BatchSize:      192,
		MaxFutureDrift: Duration(15 * time.Second),
	},
	Network: NetworkConfig{
		DialTimeout:            Duration(10 * time.Second),
		WriteTimeout:           Duration(10 * time.Second),
		TaskTimeout:            Duration(15 * time.Second),
		MaxConsecutiveTimeouts: 3,
		ReconnectBackoff:       Duration(time.Second),
		MaxReconnectBackoff:    Duration(30 * time.Second),
		MaxMessageLength:       16 * 1024 * 1024,
	},
	Metrics: MetricsConfig{
		Namespace: "spv",
	},
	Log: LogConfig{
		Verbosity: 3,
	},
	Wallet: WalletConfig{
		GasPrice: 1_000_000_000,
		GasLimit: 21_000,
	},
}

// Load decodes file over cfg, which normally starts as a copy of Defaults.
func Load(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// Dump writes cfg as TOML.
func Dump(w io.Writer, cfg *Config) error {
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// CheckpointHeader decodes the configured checkpoint.
func (c *ChainConfig) CheckpointHeader() (*types.Header, error) {
	if c.Checkpoint == "" {
		return nil, errors.New("config: Chain.Checkpoint is not set")
	}
	enc, err := hexutil.Decode(c.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("config: Chain.Checkpoint: %w", err)
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(enc, header); err != nil {
		return nil, fmt.Errorf("config: Chain.Checkpoint: %w", err)
	}
	return header, nil
}

// EncodeCheckpoint is the inverse of CheckpointHeader.
func EncodeCheckpoint(header *types.Header) (string, error) {
	enc, err := rlp.EncodeToBytes(header)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(enc), nil
}

// Settings overlays the file settings on the transport defaults.
func (c *NetworkConfig) Settings() *p_network.Config {
	cfg := p_network.DefaultConfig()
	if c.DialTimeout > 0 {
		cfg.DialTimeout = time.Duration(c.DialTimeout)
	}
	if c.WriteTimeout > 0 {
		cfg.WriteTimeout = time.Duration(c.WriteTimeout)
	}
	if c.TaskTimeout > 0 {
		cfg.TaskTimeout = time.Duration(c.TaskTimeout)
	}
	if c.MaxConsecutiveTimeouts > 0 {
		cfg.MaxConsecutiveTimeouts = c.MaxConsecutiveTimeouts
	}
	if c.ReconnectBackoff > 0 {
		cfg.ReconnectBackoff = time.Duration(c.ReconnectBackoff)
	}
	if c.MaxReconnectBackoff > 0 {
		cfg.MaxReconnectBackoff = time.Duration(c.MaxReconnectBackoff)
	}
	if c.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.MaxMessageLength
	}
	return cfg
}

func (c *SyncConfig) Validator() *blocksync.Validator {
	return blocksync.NewValidator(new(big.Int).SetUint64(c.MinDifficulty), time.Duration(c.MaxFutureDrift))
}

// PrivateKey parses Wallet.Key. It returns nil without a key.
func (c *WalletConfig) PrivateKey() (*ecdsa.PrivateKey, error) {
	if c.Key == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(trimHexPrefix(c.Key))
	if err != nil {
		return nil, fmt.Errorf("config: Wallet.Key: %w", err)
	}
	return key, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
