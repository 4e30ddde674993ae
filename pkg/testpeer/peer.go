package testpeer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	p_network "github.com/meta-node-blockchain/meta-spv/pkg/network"
	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

// Faults scripts misbehaviour. The zero value is an honest peer.
type Faults struct {
	// BreakLinkAt serves the header with this number with a wrong parent hash.
	BreakLinkAt uint64
	// MaxHeaders caps the size of every header response.
	MaxHeaders uint64
	// CorruptProofs serves account leaves that do not match the proof.
	CorruptProofs bool
	// Silent lists commands that are never answered.
	Silent map[string]bool
	// Busy lists commands answered with ServerBusy.
	Busy map[string]bool
	// RejectReason rejects every transaction with this reason.
	RejectReason string
	// HangupOnHandshake drops the connection when the handshake arrives.
	HangupOnHandshake bool
	// NetworkID overrides the advertised network id when non-zero.
	NetworkID uint64
}

// Peer serves Chain over the wire protocol.
type Peer struct {
	chain     *Chain
	networkID uint64
	sender    *p_network.MessageSender
	config    *p_network.Config

	mu      sync.Mutex
	faults  Faults
	conns   []network.Connection
	txs     []*types.Transaction
	counts  map[string]int
	handled chan string
}

func New(chain *Chain, networkID uint64) *Peer {
	config := p_network.DefaultConfig()
	return &Peer{
		chain:     chain,
		networkID: networkID,
		sender:    p_network.NewMessageSender(config.Version),
		config:    config,
		counts:    make(map[string]int),
		handled:   make(chan string, 1024),
	}
}

func (p *Peer) Chain() *Chain { return p.chain }

func (p *Peer) SetFaults(f Faults) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = f
}

func (p *Peer) getFaults() Faults {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faults
}

// Count returns how many requests carrying command were received.
func (p *Peer) Count(command string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[command]
}

// Handled receives the command of every request once it was processed.
func (p *Peer) Handled() <-chan string { return p.handled }

func (p *Peer) Transactions() []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Transaction(nil), p.txs...)
}

// Routes returns the request handlers, for use with network.NewHandler.
func (p *Peer) Routes() map[string]func(network.Request) error {
	return map[string]func(network.Request) error{
		p_common.Handshake:       p.handleHandshake,
		p_common.GetBlockHeaders: p.handleGetBlockHeaders,
		p_common.GetAccountProof: p.handleGetAccountProof,
		p_common.SendTransaction: p.handleSendTransaction,
	}
}

// Dialer returns a transport connecting to this peer over an in-memory pipe.
// Every dial creates a new session served in its own goroutine.
func (p *Peer) Dialer() p_network.Transport {
	return p_network.DialFunc(func(ctx context.Context, address string) (p_network.Stream, error) {
		client, server := net.Pipe()
		conn, err := p_network.ConnectionFromStream(server, "client", p.config)
		if err != nil {
			return nil, err
		}
		p.Serve(conn)
		return client, nil
	})
}

// Serve processes requests of conn in arrival order until it disconnects.
func (p *Peer) Serve(conn network.Connection) {
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()

	handler := p_network.NewHandler(p.Routes())
	go func() {
		defer p.remove(conn)
		defer conn.Close()
		for ev := range conn.Events() {
			switch ev.Kind {
			case network.EventInbound:
				request := p_network.NewRequest(conn, ev.Message)
				if err := handler.HandleRequest(request); err != nil {
					logger.Debug("Test peer request failed", "command", ev.Message.Command(), "err", err)
				}
				select {
				case p.handled <- ev.Message.Command():
				default:
				}
			case network.EventDisconnected:
				return
			}
		}
	}()
}

func (p *Peer) remove(conn network.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// Connections returns the sessions currently served.
func (p *Peer) Connections() []network.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]network.Connection(nil), p.conns...)
}

// DisconnectAll drops every session from the peer side.
func (p *Peer) DisconnectAll() {
	for _, c := range p.Connections() {
		c.Disconnect(fmt.Errorf("test peer hangup"))
	}
}

// Announce mines a block with changes and announces it to every session.
func (p *Peer) Announce(changes Accounts) *types.Header {
	head := p.chain.Mine(changes)
	packet := &protocol.NewBlockPacket{Number: head.Number.Uint64(), Hash: head.Hash()}
	if err := p.sender.BroadcastMessage(p.Connections(), p_common.NewBlock, packet); err != nil {
		logger.Warn("Announce failed", "err", err)
	}
	return head
}

// intercept applies the Silent and Busy faults. It reports whether the
// request was consumed.
func (p *Peer) intercept(r network.Request) (bool, error) {
	command := r.Message().Command()
	faults := p.getFaults()
	p.mu.Lock()
	p.counts[command]++
	p.mu.Unlock()

	if faults.Silent[command] {
		return true, nil
	}
	if faults.Busy[command] {
		return true, p.sender.Reply(r, p_common.ServerBusy, nil)
	}
	return false, nil
}

func (p *Peer) handleHandshake(r network.Request) error {
	if done, err := p.intercept(r); done {
		return err
	}
	faults := p.getFaults()
	if faults.HangupOnHandshake {
		r.Connection().Disconnect(fmt.Errorf("hangup during handshake"))
		return nil
	}
	if _, err := protocol.DecodeHandshake(r.Message().Body()); err != nil {
		return err
	}
	networkID := p.networkID
	if faults.NetworkID != 0 {
		networkID = faults.NetworkID
	}
	head := p.chain.Head()
	return p.sender.Reply(r, p_common.HandshakeResponse, &protocol.HandshakePacket{
		ProtocolVersion: protocol.ProtocolVersion,
		NetworkID:       networkID,
		GenesisHash:     p.chain.Genesis().Hash(),
		HeadNumber:      head.Number.Uint64(),
		HeadHash:        head.Hash(),
	})
}

func (p *Peer) handleGetBlockHeaders(r network.Request) error {
	if done, err := p.intercept(r); done {
		return err
	}
	req, err := protocol.DecodeGetBlockHeaders(r.Message().Body())
	if err != nil {
		return err
	}
	faults := p.getFaults()
	amount := req.Amount
	if amount > protocol.MaxHeadersServe {
		amount = protocol.MaxHeadersServe
	}
	if faults.MaxHeaders > 0 && amount > faults.MaxHeaders {
		amount = faults.MaxHeaders
	}
	headers := p.chain.Headers(req.Origin, amount)
	for _, h := range headers {
		if faults.BreakLinkAt != 0 && h.Number.Uint64() == faults.BreakLinkAt {
			h.ParentHash = common.Hash{0xba, 0xd}
		}
	}
	return p.sender.Reply(r, p_common.BlockHeaders, &protocol.BlockHeadersPacket{Headers: headers})
}

func (p *Peer) handleGetAccountProof(r network.Request) error {
	if done, err := p.intercept(r); done {
		return err
	}
	req, err := protocol.DecodeGetAccountProof(r.Message().Body())
	if err != nil {
		return err
	}
	header := p.chain.Header(req.BlockNumber)
	if header == nil || header.Hash() != req.BlockHash {
		return fmt.Errorf("unknown block %d %x", req.BlockNumber, req.BlockHash)
	}
	proof, leaf, err := p.chain.Proof(req.Address, req.BlockNumber)
	if err != nil {
		return err
	}
	if p.getFaults().CorruptProofs {
		forged := NewAccount(1<<62, 0)
		if leaf, err = encodeAccount(forged); err != nil {
			return err
		}
	}
	return p.sender.Reply(r, p_common.AccountProof, &protocol.AccountProofPacket{Proof: proof, Leaf: leaf})
}

func (p *Peer) handleSendTransaction(r network.Request) error {
	if done, err := p.intercept(r); done {
		return err
	}
	req, err := protocol.DecodeSendTransaction(r.Message().Body())
	if err != nil {
		return err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(req.Tx); err != nil {
		return p.sender.Reply(r, p_common.SendTransactionResult, &protocol.SendTransactionResultPacket{
			Accepted: false,
			Reason:   fmt.Sprintf("invalid transaction: %v", err),
		})
	}
	result := &protocol.SendTransactionResultPacket{Hash: tx.Hash(), Accepted: true}
	if reason := p.getFaults().RejectReason; reason != "" {
		result.Accepted = false
		result.Reason = reason
	} else {
		p.mu.Lock()
		p.txs = append(p.txs, tx)
		p.mu.Unlock()
	}
	return p.sender.Reply(r, p_common.SendTransactionResult, result)
}
