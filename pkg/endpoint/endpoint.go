// Package endpoint carries mesh frames over a WebSocket connection:
// correlated commands and replies, and token-multiplexed streams.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TeoSlayer/drpmesh/pkg/logging"
	"github.com/TeoSlayer/drpmesh/pkg/metrics"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

const (
	wsReadBuffer       = 1024
	wsWriteBuffer      = 1024
	wsPingInterval     = 30 * time.Second
	wsPingWriteTimeout = 5 * time.Second
	wsPongTimeout      = 30 * time.Second
	wsReadLimit        = 32 * 1024 * 1024
	wsWriteTimeout     = 10 * time.Second
	wsHandshakeTimeout = 10 * time.Second
)

// ErrClosed is returned for operations on a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

// ReadyState mirrors the lifecycle of the underlying socket.
type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kind classifies the remote side once hello has been processed.
type Kind int32

const (
	KindUnknown Kind = iota
	KindNode
	KindConsumer
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// CmdHandler runs a control command. The returned value becomes the reply
// payload; an error becomes a failure reply carrying its message.
type CmdHandler func(ctx context.Context, params json.RawMessage, ep *Endpoint, token string) (interface{}, error)

// ServiceHandler runs a command addressed to a named application service.
type ServiceHandler func(ctx context.Context, f *protocol.Frame, ep *Endpoint) (interface{}, error)

// StreamHandler receives stream frames for one token, in read order.
type StreamHandler func(f *protocol.Frame)

// Options tune an endpoint.
type Options struct {
	Metrics *metrics.Metrics
}

// Endpoint is one live connection.
type Endpoint struct {
	id       string
	url      string
	outbound bool
	conn     *websocket.Conn
	metrics  *metrics.Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	remoteID atomic.Value // string
	kind     atomic.Int32
	seq      atomic.Uint64

	wmu sync.Mutex // serialises data frames

	mu            sync.Mutex
	cmds          map[string]CmdHandler
	service       ServiceHandler
	pending       map[string]chan *Reply
	streams       map[string]StreamHandler
	subs          map[string]protocol.SubscribeParams
	closeHandlers []func(*Endpoint)

	closeOnce    sync.Once
	closed       chan struct{}
	pingReset    chan struct{}
	pongReceived chan struct{}
}

// New wraps an established connection. Register handlers, then call Start.
func New(conn *websocket.Conn, opts Options) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		id:           uuid.NewString(),
		conn:         conn,
		metrics:      opts.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		cmds:         make(map[string]CmdHandler),
		pending:      make(map[string]chan *Reply),
		streams:      make(map[string]StreamHandler),
		subs:         make(map[string]protocol.SubscribeParams),
		closed:       make(chan struct{}),
		pingReset:    make(chan struct{}, 1),
		pongReceived: make(chan struct{}, 1),
	}
	e.remoteID.Store("")
	e.log = logging.Component("endpoint").With("endpoint", e.id)
	conn.SetReadLimit(wsReadLimit)
	conn.SetPongHandler(func(string) error {
		select {
		case e.pongReceived <- struct{}{}:
		default:
		}
		return nil
	})
	return e
}

// Dial opens an outbound connection to url.
func Dial(ctx context.Context, url string, opts Options) (*Endpoint, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   wsReadBuffer,
		WriteBufferSize:  wsWriteBuffer,
		HandshakeTimeout: wsHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	e := New(conn, opts)
	e.url = url
	e.outbound = true
	return e, nil
}

// Upgrader returns a WebSocket upgrader using the endpoint buffer sizes.
func Upgrader(checkOrigin func(*http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		CheckOrigin:     checkOrigin,
	}
}

// Start marks the endpoint open and begins reading frames.
func (e *Endpoint) Start() {
	if !e.state.CompareAndSwap(int32(Connecting), int32(Open)) {
		return
	}
	go e.readLoop()
	go e.pingLoop()
}

// ID is a locally unique identifier for this connection.
func (e *Endpoint) ID() string { return e.id }

// URL is the dialed address for outbound endpoints, empty otherwise.
func (e *Endpoint) URL() string { return e.url }

// Outbound reports whether this side dialed the connection.
func (e *Endpoint) Outbound() bool { return e.outbound }

// RemoteAddr is the network address of the other side.
func (e *Endpoint) RemoteAddr() string { return e.conn.RemoteAddr().String() }

// ReadyState returns the current lifecycle state.
func (e *Endpoint) ReadyState() ReadyState { return ReadyState(e.state.Load()) }

// Done is closed once the endpoint has shut down.
func (e *Endpoint) Done() <-chan struct{} { return e.closed }

// Context is cancelled when the endpoint closes.
func (e *Endpoint) Context() context.Context { return e.ctx }

// SetRemote records who is on the other side.
func (e *Endpoint) SetRemote(id string, kind Kind) {
	e.remoteID.Store(id)
	e.kind.Store(int32(kind))
}

// RemoteID is the NodeID or consumer ID of the other side.
func (e *Endpoint) RemoteID() string { return e.remoteID.Load().(string) }

// Kind returns the remote classification.
func (e *Endpoint) Kind() Kind { return Kind(e.kind.Load()) }

// RegisterCmd adds a control command to this endpoint's table.
func (e *Endpoint) RegisterCmd(name string, h CmdHandler) {
	e.mu.Lock()
	e.cmds[name] = h
	e.mu.Unlock()
}

// Cmds returns the registered command names, sorted.
func (e *Endpoint) Cmds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.cmds))
	for name := range e.cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetServiceHandler installs the handler for named application services.
func (e *Endpoint) SetServiceHandler(h ServiceHandler) {
	e.mu.Lock()
	e.service = h
	e.mu.Unlock()
}

// OnClose registers fn to run once after the connection closes.
func (e *Endpoint) OnClose(fn func(*Endpoint)) {
	e.mu.Lock()
	if e.ReadyState() == Closed {
		e.mu.Unlock()
		go fn(e)
		return
	}
	e.closeHandlers = append(e.closeHandlers, fn)
	e.mu.Unlock()
}

// AddStreamHandler registers h under a fresh token and returns the token.
func (e *Endpoint) AddStreamHandler(h StreamHandler) string {
	token := uuid.NewString()
	e.AddStreamHandlerToken(token, h)
	return token
}

// AddStreamHandlerToken registers h under a caller-chosen token.
func (e *Endpoint) AddStreamHandlerToken(token string, h StreamHandler) {
	e.mu.Lock()
	e.streams[token] = h
	e.mu.Unlock()
}

// DeleteStreamHandler removes the handler for token.
func (e *Endpoint) DeleteStreamHandler(token string) {
	e.mu.Lock()
	delete(e.streams, token)
	e.mu.Unlock()
}

// HasStreamHandler reports whether token has a handler.
func (e *Endpoint) HasStreamHandler(token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.streams[token]
	return ok
}

// AddSubscription records a subscription made over this connection.
func (e *Endpoint) AddSubscription(p protocol.SubscribeParams) {
	e.mu.Lock()
	e.subs[p.StreamToken] = p
	e.mu.Unlock()
}

// RemoveSubscription deletes and returns the record for token.
func (e *Endpoint) RemoveSubscription(token string) (protocol.SubscribeParams, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.subs[token]
	delete(e.subs, token)
	return p, ok
}

// HasSubscription reports whether token is still subscribed.
func (e *Endpoint) HasSubscription(token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.subs[token]
	return ok
}

// Subscriptions returns a copy of the subscription records.
func (e *Endpoint) Subscriptions() map[string]protocol.SubscribeParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]protocol.SubscribeParams, len(e.subs))
	for k, v := range e.subs {
		out[k] = v
	}
	return out
}

// Info summarises the connection for inspection.
func (e *Endpoint) Info() map[string]interface{} {
	e.mu.Lock()
	nsubs := len(e.subs)
	nstreams := len(e.streams)
	e.mu.Unlock()
	return map[string]interface{}{
		"EndpointID":     e.id,
		"RemoteID":       e.RemoteID(),
		"Kind":           e.Kind().String(),
		"RemoteAddr":     e.RemoteAddr(),
		"URL":            e.url,
		"Outbound":       e.outbound,
		"ReadyState":     e.ReadyState().String(),
		"Subscriptions":  nsubs,
		"StreamHandlers": nstreams,
	}
}
