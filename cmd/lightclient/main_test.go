package main

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/config"
)

func loadWithArgs(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var (
		cfg *config.Config
		err error
	)
	a := &cli.App{
		Flags: nodeFlags,
		Action: func(ctx *cli.Context) error {
			cfg, err = loadConfig(ctx)
			return nil
		},
	}
	require.NoError(t, a.Run(append([]string{"lightclient"}, args...)))
	return cfg, err
}

func TestFlagsOverrideFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "spv.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
[Peer]
Addresses = ["10.0.0.1:30400"]
Transport = "quic"

[Log]
Verbosity = 4
`), 0o600))

	cfg, err := loadWithArgs(t,
		"--config", file,
		"--peer", "127.0.0.1:1", "--peer", "127.0.0.1:2",
		"--address", "0x00000000000000000000000000000000000a11ce",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:1", "127.0.0.1:2"}, cfg.Peer.Addresses)
	assert.Equal(t, "quic", cfg.Peer.Transport)
	assert.Equal(t, 4, cfg.Log.Verbosity, "unset verbosity flag keeps the file value")
	assert.Equal(t, []common.Address{common.HexToAddress("0xa11ce")}, cfg.Sync.Addresses)
	assert.Equal(t, config.Defaults.Network, cfg.Network)
}

func TestFlagsRejectBadAddress(t *testing.T) {
	_, err := loadWithArgs(t, "--address", "alice")
	assert.Error(t, err)
}

func TestNewNodeValidatesPeers(t *testing.T) {
	checkpoint, err := config.EncodeCheckpoint(&types.Header{Number: big.NewInt(0), Difficulty: big.NewInt(1)})
	require.NoError(t, err)

	cfg := config.Defaults
	_, err = newNode(&cfg)
	assert.Error(t, err, "missing checkpoint")

	cfg.Chain.Checkpoint = checkpoint
	_, err = newNode(&cfg)
	assert.ErrorContains(t, err, "no peer")

	cfg.Peer.Addresses = []string{"localhost"}
	_, err = newNode(&cfg)
	assert.ErrorIs(t, err, p_common.ErrorInvalidConnectionAddress)
}
