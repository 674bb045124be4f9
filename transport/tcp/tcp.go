// Package tcp implements the length-prefixed TCP Transport: a
// [uint32 big-endian length][payload] framing of the wire-serialized
// Message, an outbound connection pool keyed by (host, port) with a
// per-peer write lock, and optional symmetric TLS.
package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/converge-project/converge/internal/telemetry"
	"github.com/converge-project/converge/message"
	"github.com/converge-project/converge/transport"
)

// MaxFrameBytes is the maximum accepted frame length; larger frames
// cause the connection to be dropped without delivery.
const MaxFrameBytes = 10 << 20 // 10 MiB

const lengthPrefixBytes = 4

// peerConn is one pooled outbound connection: a writer guarded by an
// exclusive lock so concurrent senders never interleave frames.
type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// Transport is the TCP Transport for one agent: it listens for inbound
// connections and maintains a pool of outbound ones.
type Transport struct {
	host string
	port int
	tlsConfig *tls.Config
	logger    telemetry.Logger

	listener net.Listener

	poolMu sync.Mutex
	pool   map[string]*peerConn

	inbox chan message.Message

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New builds a TCP Transport bound to host:port. tlsConfig, if non-nil,
// is applied symmetrically to both the listener and every dialed
// connection.
func New(host string, port int, tlsConfig *tls.Config, logger telemetry.Logger) *Transport {
	if logger == nil {
		logger = telemetry.Noop()
	}
	return &Transport{
		host: host, port: port, tlsConfig: tlsConfig, logger: logger,
		pool:  make(map[string]*peerConn),
		inbox: make(chan message.Message, 256),
	}
}

func peerKey(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

// Start begins listening for inbound connections, spawning one reader
// goroutine per accepted connection.
func (t *Transport) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	var ln net.Listener
	var err error
	if t.tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, t.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", addr, err)
	}

	acceptCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.listener = ln
	t.cancel = cancel
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(acceptCtx, ln)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Warn("tcp_accept_failed", "error", err)
				return
			}
		}
		t.wg.Add(1)
		go t.handleConn(ctx, conn)
	}
}

func (t *Transport) handleConn(ctx context.Context, conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	r := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		lenBuf := make([]byte, lengthPrefixBytes)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(lenBuf)
		if length > MaxFrameBytes {
			t.logger.Warn("tcp_frame_too_large", "length", length)
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}
		msg, err := message.FromBytes(payload)
		if err != nil {
			t.logger.Warn("tcp_decode_failed", "error", err)
			continue
		}
		select {
		case t.inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Stop closes the listener, cancels connection handling, and closes all
// pooled outbound writers.
func (t *Transport) Stop(context.Context) error {
	t.mu.Lock()
	t.started = false
	ln := t.listener
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	t.wg.Wait()

	t.poolMu.Lock()
	for key, pc := range t.pool {
		pc.conn.Close()
		delete(t.pool, key)
	}
	t.poolMu.Unlock()
	return nil
}

func (t *Transport) getConn(ctx context.Context, host string, port int) (*peerConn, error) {
	key := peerKey(host, port)
	t.poolMu.Lock()
	if pc, ok := t.pool[key]; ok {
		t.poolMu.Unlock()
		return pc, nil
	}
	t.poolMu.Unlock()

	addr := fmt.Sprintf("%s:%d", host, port)
	var conn net.Conn
	var err error
	dialer := &net.Dialer{}
	if t.tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, t.tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}

	pc := &peerConn{conn: conn}
	t.poolMu.Lock()
	t.pool[key] = pc
	t.poolMu.Unlock()
	return pc, nil
}

func (t *Transport) evict(host string, port int) {
	key := peerKey(host, port)
	t.poolMu.Lock()
	defer t.poolMu.Unlock()
	if pc, ok := t.pool[key]; ok {
		pc.conn.Close()
		delete(t.pool, key)
	}
}

// Send resolves the destination from the first topic namespaced
// "transport.tcp" (its "host"/"port" attributes); messages lacking such
// a topic are silently dropped.
func (t *Transport) Send(ctx context.Context, msg message.Message) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return transport.ErrNotStarted
	}

	host, port, ok := destinationFromTopics(msg)
	if !ok {
		return nil
	}

	pc, err := t.getConn(ctx, host, port)
	if err != nil {
		return err
	}

	data, err := message.ToBytes(msg)
	if err != nil {
		return fmt.Errorf("tcp: encode message: %w", err)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	lenBuf := make([]byte, lengthPrefixBytes)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := pc.conn.Write(lenBuf); err != nil {
		t.evict(host, port)
		return fmt.Errorf("tcp: write length: %w", err)
	}
	if _, err := pc.conn.Write(data); err != nil {
		t.evict(host, port)
		return fmt.Errorf("tcp: write payload: %w", err)
	}
	return nil
}

func destinationFromTopics(msg message.Message) (host string, port int, ok bool) {
	for _, tp := range msg.Topics {
		if tp.Namespace != "transport.tcp" {
			continue
		}
		h, hasHost := tp.Attributes["host"]
		p, hasPort := tp.Attributes["port"]
		if !hasHost || !hasPort {
			return "", 0, false
		}
		var portNum int
		if _, err := fmt.Sscanf(p, "%d", &portNum); err != nil {
			return "", 0, false
		}
		return h, portNum, true
	}
	return "", 0, false
}

// Receive blocks for the next inbound message.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return message.Message{}, transport.ErrNotStarted
	}
	if timeout <= 0 {
		select {
		case msg := <-t.inbox:
			return msg, nil
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-timer.C:
		return message.Message{}, transport.ErrTimeout
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

// ReceiveVerified receives one message and verifies it via registry.
func (t *Transport) ReceiveVerified(ctx context.Context, registry transport.PublicKeyLookup, timeout time.Duration) (message.Message, bool, error) {
	return transport.VerifyReceived(ctx, t, registry, timeout)
}

var _ transport.Transport = (*Transport)(nil)
