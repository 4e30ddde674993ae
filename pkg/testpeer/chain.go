package testpeer

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/trie/trienode"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
)

const (
	// Difficulty of every generated header.
	Difficulty = 131072
	GasLimit   = 30_000_000
	// BlockTime is the spacing of generated timestamps in seconds.
	BlockTime = 12
	// GenesisTime is the timestamp of header 0.
	GenesisTime = 1_700_000_000
)

type Accounts map[common.Address]*types.StateAccount

func (a Accounts) clone() Accounts {
	out := make(Accounts, len(a))
	for addr, acct := range a {
		c := *acct
		c.Balance = new(uint256.Int).Set(acct.Balance)
		out[addr] = &c
	}
	return out
}

func NewAccount(balance uint64, nonce uint64) *types.StateAccount {
	return &types.StateAccount{
		Nonce:    nonce,
		Balance:  uint256.NewInt(balance),
		Root:     types.EmptyRootHash,
		CodeHash: types.EmptyCodeHash.Bytes(),
	}
}

// Chain is a synthetic header chain whose state roots commit to real
// Merkle-Patricia state tries, so account proofs served from it verify.
type Chain struct {
	mu      sync.RWMutex
	headers []*types.Header
	states  []Accounts
	tries   map[common.Hash]*trie.Trie
}

// NewChain returns a chain of length+1 headers (0..length) where every block
// carries the given accounts.
func NewChain(length int, accounts Accounts) *Chain {
	if accounts == nil {
		accounts = Accounts{}
	}
	c := &Chain{tries: make(map[common.Hash]*trie.Trie)}
	state := accounts.clone()
	root := c.commit(state)
	genesis := &types.Header{
		Number:     big.NewInt(0),
		Difficulty: big.NewInt(Difficulty),
		GasLimit:   GasLimit,
		Time:       GenesisTime,
		Root:       root,
		Extra:      []byte("meta-spv genesis"),
	}
	c.headers = []*types.Header{genesis}
	c.states = []Accounts{state}
	for i := 0; i < length; i++ {
		c.mine(nil)
	}
	return c
}

func (c *Chain) commit(state Accounts) common.Hash {
	tr := trie.NewEmpty(triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil))
	for addr, acct := range state {
		enc, err := encodeAccount(acct)
		if err != nil {
			panic(err)
		}
		if err := tr.Update(crypto.Keccak256(addr.Bytes()), enc); err != nil {
			panic(err)
		}
	}
	root := tr.Hash()
	c.tries[root] = tr
	return root
}

func (c *Chain) mine(changes Accounts) *types.Header {
	parent := c.headers[len(c.headers)-1]
	state := c.states[len(c.states)-1]
	root := parent.Root
	if len(changes) > 0 {
		state = state.clone()
		for addr, acct := range changes {
			state[addr] = acct
		}
		root = c.commit(state)
	}
	header := &types.Header{
		ParentHash: parent.Hash(),
		Coinbase:   common.Address{0xc0},
		Root:       root,
		Number:     new(big.Int).Add(parent.Number, big.NewInt(1)),
		Difficulty: big.NewInt(Difficulty),
		GasLimit:   GasLimit,
		GasUsed:    21000,
		Time:       parent.Time + BlockTime,
	}
	c.headers = append(c.headers, header)
	c.states = append(c.states, state)
	return header
}

// Mine appends one header, applying changes to the state of the new block.
func (c *Chain) Mine(changes Accounts) *types.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.CopyHeader(c.mine(changes))
}

func (c *Chain) Genesis() *types.Header {
	return c.Header(0)
}

func (c *Chain) Head() *types.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.CopyHeader(c.headers[len(c.headers)-1])
}

// Header returns nil past the head.
func (c *Chain) Header(number uint64) *types.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if number >= uint64(len(c.headers)) {
		return nil
	}
	return types.CopyHeader(c.headers[number])
}

// Headers returns up to amount headers starting at origin.
func (c *Chain) Headers(origin, amount uint64) []*types.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*types.Header
	for n := origin; n < origin+amount && n < uint64(len(c.headers)); n++ {
		out = append(out, types.CopyHeader(c.headers[n]))
	}
	return out
}

// Account returns the account at block number, nil if it does not exist.
func (c *Chain) Account(address common.Address, number uint64) *types.StateAccount {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if number >= uint64(len(c.states)) {
		return nil
	}
	acct, ok := c.states[number][address]
	if !ok {
		return nil
	}
	cp := *acct
	return &cp
}

// Proof returns the proof nodes for address against the state root of block
// number and the encoded account, which is nil when the account is absent.
func (c *Chain) Proof(address common.Address, number uint64) ([][]byte, []byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if number >= uint64(len(c.headers)) {
		return nil, nil, fmt.Errorf("unknown block %d", number)
	}
	tr := c.tries[c.headers[number].Root]
	key := crypto.Keccak256(address.Bytes())

	var proof trienode.ProofList
	if err := tr.Prove(key, &proof); err != nil {
		return nil, nil, err
	}
	leaf, err := tr.Get(key)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([][]byte, len(proof))
	for i, n := range proof {
		nodes[i] = n
	}
	return nodes, leaf, nil
}

func encodeAccount(acct *types.StateAccount) ([]byte, error) {
	return rlp.EncodeToBytes(acct)
}
