// Package rpc is the duplex message channel shared by the registrar and its
// peers: JSON-RPC 2.0 over a WebSocket, where either side may issue requests
// and notifications at any time.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var (
	// ErrClosed is returned by calls on, or pending on, a closed Conn.
	ErrClosed = errors.New("rpc: connection closed")
	// ErrQueueFull means the peer is not draining its outbound queue.
	ErrQueueFull = errors.New("rpc: outbound queue full")
)

const (
	defaultQueueSize = 256
	defaultReadLimit = 1 << 20
	writeTimeout     = 10 * time.Second
)

type Options struct {
	Logger *slog.Logger
	// QueueSize bounds the outbound queue. A peer that lets it fill up is
	// disconnected.
	QueueSize int
	ReadLimit int64
}

// Conn is one end of a duplex JSON-RPC channel. Outbound messages are
// written in enqueue order by a single writer goroutine.
type Conn struct {
	ws      *websocket.Conn
	handler Handler
	logger  *slog.Logger

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *message

	out       chan *message
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// New wraps an accepted or dialed websocket. Call Run to start serving.
func New(ws *websocket.Conn, handler Handler, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	ws.SetReadLimit(opts.ReadLimit)
	return &Conn{
		ws:      ws,
		handler: handler,
		logger:  opts.Logger,
		pending: make(map[int64]chan *message),
		out:     make(chan *message, opts.QueueSize),
		closed:  make(chan struct{}),
	}
}

// Run reads and dispatches inbound messages until the connection closes or
// ctx is cancelled. Requests are served concurrently; notifications are
// handled in arrival order on the read goroutine.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.pendingMu.Lock()
	c.cancel = cancel
	closed := c.isClosed()
	c.pendingMu.Unlock()
	defer c.Close()
	if closed {
		cancel()
		return nil
	}

	go c.writeLoop(ctx)

	for {
		// Frames are decoded here rather than through wsjson.Read, which
		// closes the socket on the first undecodable frame.
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if isNormalClose(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpc read: %w", err)
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("rpc: undecodable frame", "error", err)
			_ = c.enqueue(&message{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: NewError(CodeParse, "", "parse error")})
			continue
		}
		switch {
		case msg.isResponse():
			c.deliver(&msg)
		case msg.isRequest():
			go c.serveRequest(ctx, msg)
		case msg.isNotification():
			c.serveNotification(ctx, msg)
		default:
			c.logger.Debug("rpc: dropping malformed message", "method", msg.Method)
		}
	}
}

// Call issues a request and waits for its response. result may be nil when
// the caller does not care about the payload. An error response is returned
// as *Error.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.pendingMu.Lock()
	if c.isClosed() {
		c.pendingMu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.enqueue(&message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}); err != nil {
		c.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}
	return c.enqueue(&message{JSONRPC: "2.0", Method: method, Params: raw})
}

// Closed is closed once the connection is gone.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Close tears the connection down and fails every pending call.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		close(c.closed)
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		cancel := c.cancel
		c.pendingMu.Unlock()
		if cancel != nil {
			cancel()
		}
		_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
	})
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueue(msg *message) error {
	if c.isClosed() {
		return ErrClosed
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		c.logger.Warn("rpc: peer too slow, closing", "queued", len(c.out))
		go c.Close()
		return ErrQueueFull
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, msg)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("rpc: write failed", "method", msg.Method, "error", err)
				}
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) deliver(msg *message) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		c.logger.Debug("rpc: response with foreign id", "id", string(msg.ID))
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Conn) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Conn) serveRequest(ctx context.Context, msg message) {
	resp := &message{JSONRPC: "2.0", ID: msg.ID}
	result, err := c.safeHandleRequest(ctx, msg)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = NewError(CodeInternal, "", err.Error())
		}
		resp.Error = rpcErr
	} else {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			resp.Error = NewError(CodeInternal, "", "marshal result: "+mErr.Error())
		} else {
			resp.Result = raw
		}
	}
	if err := c.enqueue(resp); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Error("rpc: write response", "method", msg.Method, "error", err)
	}
}

func (c *Conn) safeHandleRequest(ctx context.Context, msg message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rpc: request handler panicked", "method", msg.Method, "panic", r)
			result, err = nil, NewError(CodeInternal, "", "internal error")
		}
	}()
	return c.handler.HandleRequest(ctx, msg.Method, msg.Params)
}

func (c *Conn) serveNotification(ctx context.Context, msg message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rpc: notification handler panicked", "method", msg.Method, "panic", r)
		}
	}()
	c.handler.HandleNotification(ctx, msg.Method, msg.Params)
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
