package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/valyala/bytebufferpool"

	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

var (
	ErrDisconnected        = errors.New("network: connection is disconnected")
	ErrConnectionLost      = errors.New("network: connection lost")
	ErrTimeout             = errors.New("network: task timed out")
	ErrTooManyTimeouts     = errors.New("network: too many consecutive task timeouts")
	ErrExceedMessageLength = errors.New("network: message exceeds allowed length limit")
	ErrSendQueueFull       = errors.New("network: send queue is full")
	ErrDuplicateTask       = errors.New("network: duplicate task id")
	ErrClosed              = errors.New("network: connection closed")
)

// Connection owns one session to one remote node. All session state lives in
// the run goroutine and is reached only through cmdChan, so no mutex guards
// it. The run goroutine never blocks: events wait in an unbounded queue until
// the consumer of Events takes them.
type Connection struct {
	config    *Config
	address   string
	transport Transport
	breaker   *CircuitBreaker
	log       log.Logger

	cmdChan   chan interface{}
	events    chan network.Event
	done      chan struct{}
	connected atomic.Bool
	closeOnce sync.Once
}

type (
	cmdConnect    struct{}
	cmdDisconnect struct{ cause error }
	cmdClose      struct{}
	cmdAdd        struct {
		task *network.Task
		resp chan error
	}
	cmdSend struct {
		message network.Message
		resp    chan error
	}
	cmdDialed struct {
		gen    uint64
		stream Stream
		err    error
	}
	cmdInbound struct {
		gen     uint64
		message network.Message
	}
	cmdIOFailed struct {
		gen uint64
		err error
	}
	cmdTimeout struct {
		gen uint64
		id  string
	}
)

type pendingTask struct {
	task    *network.Task
	seq     uint64
	timeout time.Duration
	timer   *time.Timer
}

type session struct {
	stream   Stream
	sendChan chan network.Message
	quit     chan struct{}
}

func newConnectionBase(address string, transport Transport, config *Config) *Connection {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Connection{
		config:    config,
		address:   address,
		transport: transport,
		breaker:   NewCircuitBreaker(config.MaxConsecutiveTimeouts),
		log:       logger.New("peer", address),
		cmdChan:   make(chan interface{}, 16),
		events:    make(chan network.Event),
		done:      make(chan struct{}),
	}
	return c
}

// NewConnection returns an idle client connection. Nothing is dialed until
// Connect.
func NewConnection(address string, transport Transport, config *Config) *Connection {
	c := newConnectionBase(address, transport, config)
	go c.run(nil)
	return c
}

// ConnectionFromStream wraps an accepted stream. The connection starts
// connected and its first event is EventConnected.
func ConnectionFromStream(stream Stream, address string, config *Config) (*Connection, error) {
	if stream == nil {
		return nil, errors.New("network: stream must not be nil")
	}
	c := newConnectionBase(address, nil, config)
	go c.run(stream)
	return c, nil
}

func (c *Connection) run(accepted Stream) {
	defer close(c.done)

	var (
		gen     uint64
		dialing bool
		sess    *session
		seq     uint64
		pending = make(map[string]*pendingTask)
		queue   []network.Event
	)
	emit := func(ev network.Event) { queue = append(queue, ev) }

	start := func(stream Stream) {
		sess = &session{
			stream:   stream,
			sendChan: make(chan network.Message, c.config.SendChanSize),
			quit:     make(chan struct{}),
		}
		go c.writeLoop(stream, gen, sess.sendChan, sess.quit)
		go c.readLoop(stream, gen, sess.quit)
		c.connected.Store(true)
		c.breaker.Reset()
		emit(network.Event{Kind: network.EventConnected})
	}

	teardown := func(cause error) {
		if sess == nil && !dialing {
			return
		}
		gen++
		dialing = false
		if sess != nil {
			close(sess.quit)
			_ = sess.stream.Close()
			close(sess.sendChan)
			sess = nil
		}
		c.connected.Store(false)

		lost := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
		tasks := make([]*pendingTask, 0, len(pending))
		for _, p := range pending {
			p.timer.Stop()
			tasks = append(tasks, p)
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
		for _, p := range tasks {
			emit(network.Event{Kind: network.EventTaskFailed, Task: p.task, Err: lost})
		}
		clear(pending)
		stats := c.breaker.Stats()
		c.log.Info("Disconnected", "cause", cause, "failed", len(tasks),
			"answered", stats.Answered, "timeouts", stats.Timeouts, "trips", stats.Trips)
		emit(network.Event{Kind: network.EventDisconnected, Err: lost})
	}

	if accepted != nil {
		start(accepted)
	}

	for {
		var (
			out  chan network.Event
			next network.Event
		)
		if len(queue) > 0 {
			out = c.events
			next = queue[0]
		}

		select {
		case out <- next:
			queue[0] = network.Event{}
			queue = queue[1:]

		case cmd := <-c.cmdChan:
			switch v := cmd.(type) {
			case cmdConnect:
				if sess != nil || dialing || c.transport == nil {
					continue
				}
				gen++
				dialing = true
				c.log.Debug("Dialing")
				go c.dial(gen)

			case cmdDialed:
				if v.gen != gen || !dialing {
					if v.stream != nil {
						_ = v.stream.Close()
					}
					continue
				}
				if v.err != nil {
					dialing = false
					c.log.Warn("Dial failed", "err", v.err)
					emit(network.Event{
						Kind: network.EventDisconnected,
						Err:  fmt.Errorf("%w: dial %s: %w", ErrConnectionLost, c.address, v.err),
					})
					continue
				}
				dialing = false
				start(v.stream)
				c.log.Info("Connected")

			case cmdAdd:
				if sess == nil {
					v.resp <- ErrDisconnected
					continue
				}
				if _, dup := pending[v.task.ID]; dup {
					v.resp <- fmt.Errorf("%w: %s", ErrDuplicateTask, v.task.ID)
					continue
				}
				msg := NewMessage(v.task.Command, c.config.Version, v.task.ID, v.task.Body)
				select {
				case sess.sendChan <- msg:
				default:
					v.resp <- ErrSendQueueFull
					continue
				}
				seq++
				timeout := v.task.Timeout
				if timeout <= 0 {
					timeout = c.config.TaskTimeout
				}
				id, g := v.task.ID, gen
				pending[id] = &pendingTask{
					task:    v.task,
					seq:     seq,
					timeout: timeout,
					timer:   time.AfterFunc(timeout, func() { c.post(cmdTimeout{gen: g, id: id}) }),
				}
				c.log.Trace("Task queued", "command", v.task.Command, "id", id)
				v.resp <- nil

			case cmdSend:
				if sess == nil {
					v.resp <- ErrDisconnected
					continue
				}
				select {
				case sess.sendChan <- v.message:
					v.resp <- nil
				default:
					v.resp <- ErrSendQueueFull
				}

			case cmdInbound:
				if v.gen != gen || sess == nil {
					continue
				}
				if p, ok := pending[v.message.ID()]; ok {
					p.timer.Stop()
					delete(pending, v.message.ID())
					c.breaker.Answered()
					emit(network.Event{Kind: network.EventTaskPerformed, Task: p.task, Message: v.message})
					continue
				}
				emit(network.Event{Kind: network.EventInbound, Message: v.message})

			case cmdTimeout:
				if v.gen != gen {
					continue
				}
				p, ok := pending[v.id]
				if !ok {
					continue
				}
				delete(pending, v.id)
				c.log.Warn("Task timed out", "command", p.task.Command, "id", v.id, "after", p.timeout)
				emit(network.Event{
					Kind: network.EventTaskFailed,
					Task: p.task,
					Err:  fmt.Errorf("%w: %s after %v", ErrTimeout, p.task.Command, p.timeout),
				})
				if c.breaker.TimedOut(time.Now()) {
					teardown(ErrTooManyTimeouts)
				}

			case cmdIOFailed:
				if v.gen != gen {
					continue
				}
				teardown(v.err)

			case cmdDisconnect:
				cause := v.cause
				if cause == nil {
					cause = ErrDisconnected
				}
				teardown(cause)

			case cmdClose:
				teardown(ErrClosed)
				return
			}
		}
	}
}

func (c *Connection) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
	defer cancel()
	stream, err := c.transport.Dial(ctx, c.address)
	if !c.post(cmdDialed{gen: gen, stream: stream, err: err}) && stream != nil {
		_ = stream.Close()
	}
}

// post hands a command to the run goroutine. It reports false once the
// connection is closed.
func (c *Connection) post(cmd interface{}) bool {
	select {
	case c.cmdChan <- cmd:
		return true
	case <-c.done:
		return false
	}
}

// postSession is post for the I/O goroutines of one session.
func (c *Connection) postSession(quit <-chan struct{}, cmd interface{}) bool {
	select {
	case c.cmdChan <- cmd:
		return true
	case <-quit:
		return false
	case <-c.done:
		return false
	}
}

func (c *Connection) Connect() {
	c.post(cmdConnect{})
}

func (c *Connection) Disconnect(cause error) {
	c.post(cmdDisconnect{cause: cause})
}

func (c *Connection) Add(task *network.Task) error {
	if task == nil || task.ID == "" {
		return errors.New("network: task must have an id")
	}
	resp := make(chan error, 1)
	if !c.post(cmdAdd{task: task, resp: resp}) {
		return ErrClosed
	}
	select {
	case err := <-resp:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Connection) Send(message network.Message) error {
	if message == nil {
		return errors.New("network: message must not be nil")
	}
	resp := make(chan error, 1)
	if !c.post(cmdSend{message: message, resp: resp}) {
		return ErrClosed
	}
	select {
	case err := <-resp:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Connection) Events() <-chan network.Event { return c.events }

func (c *Connection) IsConnected() bool { return c.connected.Load() }

func (c *Connection) RemoteAddr() string { return c.address }

// Close tears the session down and stops the run goroutine. Events not yet
// taken from Events are discarded.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { c.post(cmdClose{}) })
	<-c.done
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection[Address: %v, Connected: %t]", c.address, c.IsConnected())
}

func (c *Connection) writeLoop(stream Stream, gen uint64, sendChan <-chan network.Message, quit <-chan struct{}) {
	writer := bufio.NewWriter(stream)
	length := make([]byte, 8)

	for message := range sendChan {
		b, err := message.Marshal()
		if err != nil {
			c.log.Error("Marshal failed", "command", message.Command(), "err", err)
			continue
		}
		_ = stream.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		binary.LittleEndian.PutUint64(length, uint64(len(b)))

		if _, err := writer.Write(length); err != nil {
			c.postSession(quit, cmdIOFailed{gen: gen, err: fmt.Errorf("write length: %w", err)})
			return
		}
		if _, err := writer.Write(b); err != nil {
			c.postSession(quit, cmdIOFailed{gen: gen, err: fmt.Errorf("write data: %w", err)})
			return
		}
		if len(sendChan) == 0 {
			if err := writer.Flush(); err != nil {
				c.postSession(quit, cmdIOFailed{gen: gen, err: fmt.Errorf("flush: %w", err)})
				return
			}
		}
		_ = stream.SetWriteDeadline(time.Time{})
	}
}

func (c *Connection) readLoop(stream Stream, gen uint64, quit <-chan struct{}) {
	reader := bufio.NewReader(stream)
	bLength := make([]byte, 8)

	for {
		if _, err := io.ReadFull(reader, bLength); err != nil {
			c.postSession(quit, cmdIOFailed{gen: gen, err: fmt.Errorf("read length: %w", err)})
			return
		}
		messageLength := binary.LittleEndian.Uint64(bLength)
		if messageLength == 0 {
			continue
		}
		if messageLength > c.config.MaxMessageLength {
			err := fmt.Errorf("%w: received %d, max %d", ErrExceedMessageLength, messageLength, c.config.MaxMessageLength)
			c.postSession(quit, cmdIOFailed{gen: gen, err: err})
			return
		}

		buf := bytebufferpool.Get()
		if _, err := io.CopyN(buf, reader, int64(messageLength)); err != nil {
			bytebufferpool.Put(buf)
			c.postSession(quit, cmdIOFailed{gen: gen, err: fmt.Errorf("read data: %w", err)})
			return
		}
		message, err := UnmarshalMessage(buf.B)
		bytebufferpool.Put(buf)
		if err != nil {
			// The frame boundary is intact, only this message is lost.
			c.log.Warn("Dropping malformed message", "err", err)
			continue
		}
		if !c.postSession(quit, cmdInbound{gen: gen, message: message}) {
			return
		}
	}
}

var _ network.Connection = (*Connection)(nil)
