// Package websocket implements the WebSocket Transport: a client dialer
// that frames the same [length][payload] bytes as the TCP transport on
// top of WebSocket binary frames, with a single listener goroutine
// draining the socket into an inbox.
package websocket

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/converge-project/converge/internal/telemetry"
	"github.com/converge-project/converge/message"
	"github.com/converge-project/converge/transport"
)

const lengthPrefixBytes = 4

// Transport is a WebSocket client Transport: it dials uri and exchanges
// length-prefixed message frames over the resulting connection.
type Transport struct {
	uri    string
	logger telemetry.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	inbox chan message.Message
}

// New builds a WebSocket Transport that will dial uri on Start.
func New(uri string, logger telemetry.Logger) *Transport {
	if logger == nil {
		logger = telemetry.Noop()
	}
	return &Transport{uri: uri, logger: logger, inbox: make(chan message.Message, 256)}
}

// Start dials uri and spawns the listener goroutine.
func (t *Transport) Start(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.uri, nil)
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", t.uri, err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.listen(listenCtx)
	return nil
}

func (t *Transport) listen(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) < lengthPrefixBytes {
			continue
		}
		length := binary.BigEndian.Uint32(data[:lengthPrefixBytes])
		if int(length) > len(data)-lengthPrefixBytes {
			continue
		}
		payload := data[lengthPrefixBytes : lengthPrefixBytes+int(length)]
		msg, err := message.FromBytes(payload)
		if err != nil {
			t.logger.Warn("websocket_decode_failed", "error", err)
			continue
		}
		select {
		case t.inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the listener and closes the underlying connection.
func (t *Transport) Stop(context.Context) error {
	t.mu.Lock()
	t.started = false
	conn := t.conn
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	return nil
}

// Send frames msg as [length][payload] and writes it as a single binary
// WebSocket frame.
func (t *Transport) Send(_ context.Context, msg message.Message) error {
	t.mu.Lock()
	started, conn := t.started, t.conn
	t.mu.Unlock()
	if !started {
		return transport.ErrNotStarted
	}

	data, err := message.ToBytes(msg)
	if err != nil {
		return fmt.Errorf("websocket: encode message: %w", err)
	}
	frame := make([]byte, lengthPrefixBytes+len(data))
	binary.BigEndian.PutUint32(frame[:lengthPrefixBytes], uint32(len(data)))
	copy(frame[lengthPrefixBytes:], data)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, frame)
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
