package pushchannel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dan-v/plldb/internal/metrics"
	"github.com/dan-v/plldb/pkg/shared"
)

const (
	writeWait      = 10 * time.Second
	closeGrace     = time.Second
	incomingBuffer = 64
)

// ErrClosed is returned by Receive once the connection has ended.
var ErrClosed = errors.New("push channel closed")

// Conn is the debugger side of the push channel. Reads happen on a dedicated
// goroutine; writes are serialised.
type Conn struct {
	ws *websocket.Conn

	writeMu  sync.Mutex
	incoming chan []byte
	done     chan struct{}
	readDone chan struct{}

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
}

// Dial opens the WebSocket at endpoint, passing sessionID as the connection credential.
func Dial(ctx context.Context, endpoint, sessionID string) (*Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket url %q: %v", shared.ErrInvalidInput, endpoint, err)
	}
	q := u.Query()
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 30 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("connect rejected for session %s: %w", sessionID, shared.ErrUnauthorized)
		}
		return nil, shared.Upstream("dial "+u.Host, err)
	}

	c := &Conn{
		ws:       ws,
		incoming: make(chan []byte, incomingBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()

	metrics.SetConnected(true)
	shared.LogConnectionf("Connected to %s", u.Host)
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer close(c.incoming)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				shared.LogWarnf("Push channel read failed: %v", err)
			}
			return
		}
		metrics.RecordMessageReceived()
		select {
		case c.incoming <- data:
		case <-c.done:
			return
		}
	}
}

// Receive waits up to wait for the next message. It returns (nil, nil) when
// nothing arrived in time and ErrClosed once the connection is gone.
func (c *Conn) Receive(ctx context.Context, wait time.Duration) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-c.incoming:
		if !ok {
			return nil, c.closedErr()
		}
		return data, nil
	case <-time.After(wait):
		return nil, nil
	}
}

func (c *Conn) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr != nil && websocket.IsUnexpectedCloseError(c.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

// Send writes one text message.
func (c *Conn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close sends a close frame, waits briefly for the peer to acknowledge and
// closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		werr := c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "debugger detached"),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			shared.LogDebugf("Close frame not sent: %v", werr)
		}

		close(c.done)
		select {
		case <-c.readDone:
		case <-time.After(closeGrace):
		}
		err = c.ws.Close()
		metrics.SetConnected(false)
		shared.LogClosef("Push channel closed")
	})
	return err
}
