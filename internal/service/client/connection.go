package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaychat/internal/utils/log"
)

const (
	// maxFrameSize caps a single websocket frame at 10 MiB.
	maxFrameSize = 10 << 20

	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
)

// handshakeError carries the HTTP status of a rejected upgrade so the
// reconnect loop can tell a stale token from a dead server.
type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("websocket handshake rejected with status %d: %v", e.status, e.err)
	}
	return fmt.Sprintf("websocket handshake failed: %v", e.err)
}

func (e *handshakeError) Unwrap() error { return e.err }

// Connect upgrades the duplex socket and starts the two pumps. It requires a
// prior successful Login; a failure here is a setup error for the caller.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.shutdown:
		return ErrShuttingDown
	default:
	}

	c.mu.Lock()
	if c.state != stateDisconnected {
		c.mu.Unlock()
		return errors.New("client: already connected")
	}
	c.state = stateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect is the only cancellation entry point: it sets the shutdown
// signal, closes the socket, and waits for both pumps to exit.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.mu.Lock()
		if c.conn != nil {
			deadline := time.Now().Add(writeWait)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			c.conn.Close()
			c.conn = nil
		}
		c.state = stateDisconnected
		c.mu.Unlock()
		c.wg.Wait()
	})
}

// dial opens the socket with the current bearer token and spawns the pumps.
func (c *Client) dial(ctx context.Context) error {
	target, err := socketURL(c.serverURL, c.session.Token())
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		herr := &handshakeError{err: err}
		if resp != nil {
			herr.status = resp.StatusCode
		}
		return herr
	}

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})

	c.mu.Lock()
	select {
	case <-c.shutdown:
		c.mu.Unlock()
		conn.Close()
		return ErrShuttingDown
	default:
	}
	c.conn = conn
	c.state = stateConnected
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readPump(conn, done)
	go c.writePump(conn, done)
	return nil
}

// connLost is called by whichever pump observes the failure first. It closes
// the socket, signals the sibling pump via done, and hands off to the
// reconnect loop. The second pump to arrive sees the conn mismatch and
// returns.
func (c *Client) connLost(conn *websocket.Conn, done chan struct{}, pump string, err error) {
	select {
	case <-c.shutdown:
		return
	default:
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = stateReconnecting
	close(done)
	conn.Close()
	c.mu.Unlock()

	log.Warn("connection lost, scheduling reconnect",
		zap.String("pump", pump), zap.Error(err))

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with exponential backoff, capped at 60s,
// until it succeeds or shutdown is signalled. The existing bearer token is
// reused; only an explicit auth rejection re-runs the challenge login, since
// the identity key can answer the challenge without user interaction.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	delay := c.reconnectInterval
	for {
		select {
		case <-c.shutdown:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		c.state = stateConnecting
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			log.Info("reconnected", zap.String("server", c.serverURL))
			return
		}

		var herr *handshakeError
		if errors.As(err, &herr) &&
			(herr.status == http.StatusUnauthorized || herr.status == http.StatusForbidden) {
			log.Info("token rejected on reconnect, re-running login")
			lctx, lcancel := context.WithTimeout(context.Background(), handshakeTimeout)
			if lerr := c.session.Login(lctx); lerr != nil {
				log.Warn("re-login failed", zap.Error(lerr))
			}
			lcancel()
		}

		c.mu.Lock()
		c.state = stateReconnecting
		c.mu.Unlock()

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		log.Warn("reconnect attempt failed",
			zap.Duration("next_retry_in", delay), zap.Error(err))
	}
}

// socketURL maps the HTTP base URL to its websocket equivalent and attaches
// the bearer token as a query parameter.
func socketURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
