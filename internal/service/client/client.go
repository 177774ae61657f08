// Package client owns the relay connection: the upgraded websocket, the two
// pump goroutines, the bounded inbound/outbound queues, and reconnection.
// Everything else in the process talks to the relay through it.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaychat/internal/cryptographic/signature"
	"relaychat/internal/model"
	"relaychat/internal/service/directory"
	"relaychat/internal/service/session"
)

const (
	// DefaultQueueCapacity bounds both the inbound and outbound queues; a
	// full queue applies backpressure rather than dropping messages.
	DefaultQueueCapacity = 100

	defaultReconnectInterval = 5 * time.Second
	maxReconnectDelay        = 60 * time.Second
)

var (
	ErrShuttingDown = errors.New("client: shutting down")
	ErrNotConnected = errors.New("client: not connected")
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
)

type (
	// Config collects the collaborators the Client shares by reference.
	Config struct {
		ServerURL string
		UserID    string
		Identity  *signature.Identity
		Session   *session.Session

		// ReconnectInterval is the initial backoff delay, 5s when zero.
		ReconnectInterval time.Duration
		// QueueCapacity overrides DefaultQueueCapacity when positive.
		QueueCapacity int
	}

	Client struct {
		serverURL         string
		userID            string
		identity          *signature.Identity
		session           *session.Session
		dir               *directory.Directory
		reconnectInterval time.Duration

		inbound  chan *model.Message
		outbound chan *model.Message

		mu    sync.Mutex
		state connState
		conn  *websocket.Conn

		shutdown  chan struct{}
		closeOnce sync.Once
		wg        sync.WaitGroup
	}
)

func New(cfg Config) *Client {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	interval := cfg.ReconnectInterval
	if interval <= 0 {
		interval = defaultReconnectInterval
	}

	dir := directory.New(cfg.Session)
	// Self-entry: our own key never needs a remote lookup.
	dir.Put(cfg.UserID, cfg.Identity.Pub)

	return &Client{
		serverURL:         cfg.ServerURL,
		userID:            cfg.UserID,
		identity:          cfg.Identity,
		session:           cfg.Session,
		dir:               dir,
		reconnectInterval: interval,
		inbound:           make(chan *model.Message, capacity),
		outbound:          make(chan *model.Message, capacity),
		shutdown:          make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

// Directory exposes the public-key cache shared with the pumps.
func (c *Client) Directory() *directory.Directory { return c.dir }

// SendMessage enqueues a message for the write pump. It blocks while the
// outbound queue is full, which is the only backpressure on producers.
func (c *Client) SendMessage(ctx context.Context, msg *model.Message) error {
	select {
	case <-c.shutdown:
		return ErrShuttingDown
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.shutdown:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextMessage blocks until the read pump delivers the next inbound message.
func (c *Client) NextMessage(ctx context.Context) (*model.Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.shutdown:
		return nil, ErrShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Messages exposes the inbound queue directly for range-style consumers.
func (c *Client) Messages() <-chan *model.Message { return c.inbound }

// Register, Login and the lookup helpers delegate to the session so callers
// hold a single handle.

func (c *Client) Register(ctx context.Context, username string) error {
	return c.session.Register(ctx, username)
}

func (c *Client) Login(ctx context.Context) error {
	return c.session.Login(ctx)
}

func (c *Client) ActiveUsers(ctx context.Context) (online, offline []string, err error) {
	return c.session.ActiveUsers(ctx)
}

func (c *Client) UserDescriptions(ctx context.Context, userID string) ([]string, error) {
	return c.session.UserDescriptions(ctx, userID)
}

func (c *Client) SetUserDescriptions(ctx context.Context, descs []string) error {
	return c.session.SetUserDescriptions(ctx, descs)
}
