package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN identifies the wire protocol during the QUIC handshake.
const ALPN = "meta-spv/1"

// Stream is one ordered, reliable byte stream to a peer.
type Stream interface {
	io.ReadWriteCloser
	SetWriteDeadline(t time.Time) error
}

type Transport interface {
	Dial(ctx context.Context, address string) (Stream, error)
}

// DialFunc adapts a function to the Transport interface.
type DialFunc func(ctx context.Context, address string) (Stream, error)

func (f DialFunc) Dial(ctx context.Context, address string) (Stream, error) {
	return f(ctx, address)
}

type Listener interface {
	// Accept returns the next stream and the remote address it came from.
	Accept(ctx context.Context) (Stream, string, error)
	Close() error
	Addr() string
}

// NewTransport returns the transport registered under name ("tcp" or "quic").
func NewTransport(name string) (Transport, error) {
	switch name {
	case "", "tcp":
		return TCPTransport{}, nil
	case "quic":
		return QUICTransport{}, nil
	default:
		return nil, fmt.Errorf("network: unknown transport %q", name)
	}
}

func Listen(name string, address string) (Listener, error) {
	switch name {
	case "", "tcp":
		return ListenTCP(address)
	case "quic":
		return ListenQUIC(address, nil)
	default:
		return nil, fmt.Errorf("network: unknown transport %q", name)
	}
}

type TCPTransport struct{}

func (TCPTransport) Dial(ctx context.Context, address string) (Stream, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

type tcpListener struct {
	listener net.Listener
}

func ListenTCP(address string) (Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", address, err)
	}
	return &tcpListener{listener: l}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Stream, string, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.listener.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, "", r.err
		}
		return r.conn, r.conn.RemoteAddr().String(), nil
	case <-ctx.Done():
		_ = l.listener.Close()
		return nil, "", ctx.Err()
	}
}

func (l *tcpListener) Close() error { return l.listener.Close() }
func (l *tcpListener) Addr() string { return l.listener.Addr().String() }

// QUICTransport opens one bidirectional stream per connection. The peer's
// certificate is not verified: headers and proofs are checked on their own
// merits, the TLS layer only provides transport encryption.
type QUICTransport struct {
	Config *quic.Config
}

func (t QUICTransport) Dial(ctx context.Context, address string) (Stream, error) {
	conn, err := quic.DialAddr(ctx, address, clientTLSConfig(), t.Config)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	err := s.Stream.Close()
	return errors.Join(err, s.conn.CloseWithError(0, ""))
}

type quicListener struct {
	listener *quic.Listener
}

// ListenQUIC listens with a freshly generated self-signed certificate when
// tlsConf is nil.
func ListenQUIC(address string, tlsConf *tls.Config) (Listener, error) {
	if tlsConf == nil {
		cert, err := SelfSignedCertificate()
		if err != nil {
			return nil, err
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{ALPN}}
	}
	l, err := quic.ListenAddr(address, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", address, err)
	}
	return &quicListener{listener: l}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Stream, string, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, "", err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "accept stream")
		return nil, "", err
	}
	return &quicStream{Stream: stream, conn: conn}, conn.RemoteAddr().String(), nil
}

func (l *quicListener) Close() error { return l.listener.Close() }
func (l *quicListener) Addr() string { return l.listener.Addr().String() }

func clientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPN}}
}

func SelfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "meta-spv"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
