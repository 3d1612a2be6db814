package triplink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/TripLink/triplink-chat-sdk/hubproto"
)

// TokenProvider returns the current bearer credential. It is called fresh
// on every connect and reconnect attempt, never cached, so a refreshed
// token is always the one attached.
type TokenProvider func(ctx context.Context) (string, error)

// Handler receives the raw arguments of a named server event. Handlers run
// on the read loop, so events within one connection are delivered strictly
// in arrival order.
type Handler func(args []json.RawMessage)

// ConnState is the lifecycle state of a channel connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// reconnectDelays is the automatic-reconnect backoff schedule. Once it is
// exhausted the connection transitions to a terminal disconnected state.
var reconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

const (
	handshakeTimeout = 10 * time.Second
	dialTimeout      = 15 * time.Second
	pingInterval     = 15 * time.Second
)

// Options holds connection parameters for the chat hub.
type Options struct {
	// HubURL is the hub endpoint (http(s) or ws(s) scheme, e.g.
	// "http://localhost:5001/hubs/chat").
	HubURL string
	// Token supplies the bearer credential, attached as the access_token
	// query parameter on each (re)connect.
	Token TokenProvider
	// Reconnect enables the automatic reconnect policy.
	Reconnect bool
}

// Conn is one logical session on the chat hub. It is owned by exactly one
// controller; teardown is the owner's job before the controller goes away.
//
// The connection only remembers raw event handlers across reconnects. Any
// server-side intent (Register, room joins) must be re-issued by the owner
// from an OnReconnected callback.
type Conn struct {
	opts Options

	mu       sync.Mutex
	ws       net.Conn
	state    ConnState
	handlers map[string]Handler
	onReconn []func()
	pending  map[string]chan hubproto.Message
	closed   bool

	writeMu sync.Mutex
	done    chan struct{}

	// leftover holds unterminated record bytes between reads. Owned by the
	// read-loop goroutine; connect also resets it, but connect only ever
	// runs before the loop starts or on the loop goroutine via reconnect.
	leftover []byte
}

// Dial establishes a session: transport, token attachment, protocol
// handshake. An initial failure is fatal to the session and reported as a
// *ConnectionError; the reconnect policy only covers steady-state drops.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	c := &Conn{
		opts:     opts,
		state:    StateConnecting,
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan hubproto.Message),
		done:     make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		c.setState(StateDisconnected)
		return nil, &ConnectionError{Endpoint: opts.HubURL, Err: err}
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// connect dials the transport and performs the handshake. Called for the
// initial connect and for every reconnect attempt.
func (c *Conn) connect(ctx context.Context) error {
	endpoint, err := c.resolveEndpoint(ctx)
	if err != nil {
		return err
	}

	conn, _, _, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if err := wsutil.WriteClientText(conn, hubproto.HandshakeRequest()); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	records, rest := hubproto.SplitRecords(data)
	if len(records) == 0 {
		conn.Close()
		return fmt.Errorf("handshake: empty response")
	}
	if err := hubproto.ParseHandshakeResponse(records[0]); err != nil {
		conn.Close()
		return err
	}

	// The server may batch its first messages into the handshake frame;
	// hand them to the read loop. This also discards any partial bytes a
	// previous transport left behind.
	var preread []byte
	for _, rec := range records[1:] {
		preread = append(preread, rec...)
		preread = append(preread, hubproto.RecordSeparator)
	}
	preread = append(preread, rest...)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.ws = conn
	c.state = StateConnected
	c.leftover = preread
	c.mu.Unlock()
	return nil
}

// resolveEndpoint rewrites the hub URL to a ws(s) scheme and attaches the
// freshly fetched token as the access_token query parameter.
func (c *Conn) resolveEndpoint(ctx context.Context) (string, error) {
	u, err := url.Parse(c.opts.HubURL)
	if err != nil {
		return "", fmt.Errorf("hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	// Snapshot the provider: Close releases it concurrently with reconnect
	// attempts running on the read loop.
	c.mu.Lock()
	provider := c.opts.Token
	c.mu.Unlock()

	if provider != nil {
		token, err := provider(ctx)
		if err != nil {
			return "", fmt.Errorf("token: %w", err)
		}
		if token != "" {
			q := u.Query()
			q.Set("access_token", token)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// On registers the handler for a named server event, replacing any prior
// handler for that event.
func (c *Conn) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Off removes the handler for a named server event. Every On issued during
// session setup must have a matching Off during teardown.
func (c *Conn) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// OnReconnected registers a callback fired after the transport has been
// silently re-established. Owners use it to re-issue Register and room
// joins, which the connection itself does not remember.
func (c *Conn) OnReconnected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconn = append(c.onReconn, fn)
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Invoke calls a remote hub method and waits for its completion. A failed
// invoke never kills the session; it is reported per-call as a
// *InvocationError for the caller to handle.
func (c *Conn) Invoke(ctx context.Context, method string, args ...any) error {
	rawArgs := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return &InvocationError{Method: method, Err: err}
		}
		rawArgs = append(rawArgs, raw)
	}

	id := uuid.NewString()
	ch := make(chan hubproto.Message, 1)

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return &InvocationError{Method: method, Err: ErrNotConnected}
	}
	conn := c.ws
	c.pending[id] = ch
	c.mu.Unlock()

	record, err := hubproto.Encode(hubproto.Message{
		Type:         hubproto.TypeInvocation,
		Target:       method,
		Arguments:    rawArgs,
		InvocationID: id,
	})
	if err != nil {
		c.dropPending(id)
		return &InvocationError{Method: method, Err: err}
	}

	if err := c.writeRecord(conn, record); err != nil {
		c.dropPending(id)
		return &InvocationError{Method: method, Err: err}
	}

	select {
	case m := <-ch:
		if m.Error != "" {
			return &InvocationError{Method: method, Err: fmt.Errorf("server: %s", m.Error)}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return &InvocationError{Method: method, Err: ctx.Err()}
	case <-c.done:
		return &InvocationError{Method: method, Err: ErrClosed}
	}
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close tears down the transport. Safe to call multiple times; pending
// invocations fail with ErrClosed and the credential reference is released.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	c.opts.Token = nil
	conn := c.ws
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeRecord(conn net.Conn, record []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientText(conn, record)
}

func (c *Conn) currentWS() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

func (c *Conn) readLoop() {
	for {
		conn := c.currentWS()
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if c.isClosed() {
				return
			}
			if !c.opts.Reconnect || !c.reconnect() {
				c.failPending(ErrClosed)
				c.setState(StateDisconnected)
				return
			}
			continue
		}

		records, rest := hubproto.SplitRecords(append(c.leftover, data...))
		c.leftover = rest

		for _, record := range records {
			m, err := hubproto.Decode(record)
			if err != nil {
				slog.Error("chat hub: bad record", "error", err)
				continue
			}
			c.dispatch(m)
		}
	}
}

func (c *Conn) dispatch(m hubproto.Message) {
	switch m.Type {
	case hubproto.TypeInvocation:
		c.mu.Lock()
		h := c.handlers[m.Target]
		c.mu.Unlock()
		if h != nil {
			h(m.Arguments)
		}

	case hubproto.TypeCompletion:
		c.mu.Lock()
		ch := c.pending[m.InvocationID]
		delete(c.pending, m.InvocationID)
		c.mu.Unlock()
		if ch != nil {
			ch <- m
		}

	case hubproto.TypePing:
		// keepalive, nothing to do

	case hubproto.TypeClose:
		if m.Error != "" {
			slog.Error("chat hub: server close", "error", m.Error)
		}
		if m.AllowReconnect && c.opts.Reconnect && !c.isClosed() {
			if c.reconnect() {
				return
			}
		}
		c.failPending(ErrClosed)
		c.setState(StateDisconnected)
		c.Close()
	}
}

// reconnect silently re-establishes the transport following the backoff
// schedule. Returns false once retries are exhausted, leaving the
// connection in the terminal disconnected state.
func (c *Conn) reconnect() bool {
	c.setState(StateReconnecting)
	c.failPending(ErrNotConnected)

	for _, delay := range reconnectDelays {
		select {
		case <-time.After(delay):
		case <-c.done:
			return false
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			slog.Error("chat hub: reconnect attempt failed", "error", err)
			continue
		}

		c.mu.Lock()
		fns := make([]func(), len(c.onReconn))
		copy(fns, c.onReconn)
		c.mu.Unlock()

		// Callbacks re-issue invokes, which need this read loop running;
		// fire them from their own goroutine.
		go func() {
			for _, fn := range fns {
				fn()
			}
		}()
		return true
	}

	slog.Error("chat hub: reconnect retries exhausted", "endpoint", c.opts.HubURL)
	return false
}

// failPending answers every outstanding invocation with err.
func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan hubproto.Message)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- hubproto.Message{Type: hubproto.TypeCompletion, Error: err.Error()}
	}
}

func (c *Conn) pingLoop() {
	record, _ := hubproto.Encode(hubproto.Message{Type: hubproto.TypePing})
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn, state := c.ws, c.state
			c.mu.Unlock()
			if state != StateConnected || conn == nil {
				continue
			}
			// Write errors surface on the read loop.
			_ = c.writeRecord(conn, record)
		case <-c.done:
			return
		}
	}
}
