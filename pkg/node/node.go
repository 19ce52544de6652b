// Package node implements a DRP mesh node: declaration exchange, registry
// propagation, command dispatch, service routing, back-connect recovery and
// subscription relaying.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/logging"
	"github.com/TeoSlayer/drpmesh/pkg/metrics"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
	"github.com/TeoSlayer/drpmesh/pkg/registry"
	"github.com/TeoSlayer/drpmesh/pkg/topic"
)

// Node is one mesh participant. Create with New, then Start; Shutdown
// releases everything.
type Node struct {
	cfg     Config
	id      string
	roles   mapset.Set[protocol.Role]
	metrics *metrics.Metrics
	topics  *topic.Manager
	decls   *registry.Store
	relays  *relayTable
	webhook *WebhookClient
	verify  singleflight.Group
	log     *slog.Logger

	mu                sync.RWMutex
	self              *protocol.NodeDeclaration
	services          map[string]*Service
	nodeEndpoints     map[string]*endpoint.Endpoint
	consumerEndpoints map[string]*endpoint.Endpoint
	consumers         map[string]*protocol.ConsumerHello

	conns mapset.Set[*endpoint.Endpoint] // every live endpoint, for shutdown

	ctx      context.Context
	cancel   context.CancelFunc
	taskMu   sync.Mutex // orders goTask's wg.Add against Shutdown's Wait
	stopping bool
	wg       sync.WaitGroup
	listener net.Listener
	server   *http.Server
	started  bool
}

// New creates a node. Nothing is started until Start.
func New(cfg Config) *Node {
	id := cfg.NodeID
	if id == "" {
		id = generateNodeID(cfg.HostID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()
	n := &Node{
		cfg:               cfg,
		id:                id,
		roles:             protocol.RoleSet(cfg.roles()...),
		metrics:           m,
		decls:             registry.NewStore(),
		relays:            newRelayTable(m),
		services:          make(map[string]*Service),
		nodeEndpoints:     make(map[string]*endpoint.Endpoint),
		consumerEndpoints: make(map[string]*endpoint.Endpoint),
		consumers:         make(map[string]*protocol.ConsumerHello),
		conns:             mapset.NewSet[*endpoint.Endpoint](),
		ctx:               ctx,
		cancel:            cancel,
		log:               logging.Component("node").With("node_id", id),
	}
	n.topics = topic.NewManager(m)
	n.webhook = NewWebhookClient(cfg.WebhookURL, id)
	n.self = n.buildDeclaration()
	n.decls.Set(n.self)
	return n
}

func generateNodeID(host string) string {
	if host == "" {
		host, _ = os.Hostname()
	}
	if host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Start opens the listener, if any, and the registry links.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.started = true
	n.mu.Unlock()

	if n.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", n.cfg.ListenAddr, err)
		}
		n.listener = ln
		n.server = &http.Server{Handler: n.Handler(), ReadHeaderTimeout: 10 * time.Second}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.log.Error("http server stopped", "error", err)
			}
		}()
		n.log.Info("listening", "addr", ln.Addr().String())
	}

	if n.roles.Contains(protocol.RoleRegistry) {
		n.topics.CreateTopic(protocol.RegistryUpdateTopic)
	}
	n.refreshDeclaration()
	n.log.Info("node started", "roles", protocol.SortedRoles(n.roles), "url", n.URL())

	for _, url := range n.cfg.RegistryURLs {
		url := url
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runRegistryLink(url)
		}()
	}
	return nil
}

// Shutdown stops background tasks and closes every connection.
func (n *Node) Shutdown(ctx context.Context) error {
	n.taskMu.Lock()
	n.stopping = true
	n.taskMu.Unlock()
	n.cancel()
	var err error
	if n.server != nil {
		err = multierr.Append(err, n.server.Shutdown(ctx))
	}
	for _, ep := range n.conns.ToSlice() {
		ep.Close()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for background tasks: %w", ctx.Err()))
	}
	n.webhook.Close()
	n.log.Info("node stopped")
	return err
}

// ID returns the NodeID.
func (n *Node) ID() string { return n.id }

// URL returns the advertised URL, empty when the node cannot be dialed.
func (n *Node) URL() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.self.NodeURL
}

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Topics returns the local topic manager.
func (n *Node) Topics() *topic.Manager { return n.topics }

// Declarations returns the known-declarations store.
func (n *Node) Declarations() *registry.Store { return n.decls }

// HasRole reports whether this node holds role.
func (n *Node) HasRole(role protocol.Role) bool { return n.roles.Contains(role) }

// Declaration returns a copy of the node's own declaration.
func (n *Node) Declaration() *protocol.NodeDeclaration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.self.Clone()
}

// SendToTopic publishes msg on a local topic.
func (n *Node) SendToTopic(name string, msg interface{}) {
	n.topics.SendToTopic(name, msg)
}

// AddStream advertises a local topic in the declaration.
func (n *Node) AddStream(name, description string) {
	n.topics.CreateTopic(name)
	n.mu.Lock()
	n.self.Streams[name] = description
	n.mu.Unlock()
	n.refreshDeclaration()
}

// AddSourceInstance advertises class records this node can serve.
func (n *Node) AddSourceInstance(instanceID, className string, ci protocol.ClassInstance) {
	n.mu.Lock()
	if n.self.SourceInstances == nil {
		n.self.SourceInstances = make(map[string]map[string]protocol.ClassInstance)
	}
	if n.self.SourceInstances[instanceID] == nil {
		n.self.SourceInstances[instanceID] = make(map[string]protocol.ClassInstance)
	}
	n.self.SourceInstances[instanceID][className] = ci
	n.mu.Unlock()
	n.refreshDeclaration()
}

func (n *Node) buildDeclaration() *protocol.NodeDeclaration {
	return &protocol.NodeDeclaration{
		NodeID:    n.id,
		NodeRoles: protocol.SortedRoles(n.roles),
		NodeURL:   n.cfg.NodeURL,
		HostID:    n.cfg.HostID,
		Zone:      n.cfg.Zone,
		Streams:   make(map[string]string),
		Services:  make(map[string]protocol.ServiceDecl),
	}
}

// refreshDeclaration recomputes the derived parts of the own declaration
// and stores it in the registry. Once started, the new declaration is sent
// to every connected node.
func (n *Node) refreshDeclaration() {
	n.mu.Lock()
	if n.self.NodeURL == "" && n.listener != nil {
		n.self.NodeURL = advertisedURL(n.listener.Addr())
	}
	if n.roles.Contains(protocol.RoleRegistry) {
		n.self.Streams[protocol.RegistryUpdateTopic] = "Registry updates"
	}
	for name, svc := range n.services {
		n.self.Services[name] = svc.decl(n.cfg.Zone)
	}
	self := n.self.Clone()
	started := n.started
	n.mu.Unlock()
	n.decls.Set(self)
	n.updateGauges()
	if started {
		n.announceDeclaration(self)
	}
}

// announceDeclaration pushes decl as a one-way registerNode over the open
// node connections, registry links included.
func (n *Node) announceDeclaration(decl *protocol.NodeDeclaration) {
	n.mu.RLock()
	eps := make([]*endpoint.Endpoint, 0, len(n.nodeEndpoints))
	for _, ep := range n.nodeEndpoints {
		if ep.ReadyState() == endpoint.Open {
			eps = append(eps, ep)
		}
	}
	n.mu.RUnlock()
	if len(eps) == 0 {
		return
	}
	n.goTask(func(context.Context) {
		for _, ep := range eps {
			if err := ep.SendCmdOneWay(protocol.ControlService, protocol.CmdRegisterNode, decl); err != nil {
				n.log.Debug("announcing declaration failed", "remote", ep.RemoteID(), "error", err)
			}
		}
	})
}

func advertisedURL(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "ws://" + addr.String() + "/"
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return fmt.Sprintf("ws://%s/", net.JoinHostPort(host, fmt.Sprint(tcp.Port)))
}

// NodeEndpoint returns the connection mapped to id, open or not.
func (n *Node) NodeEndpoint(id string) *endpoint.Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodeEndpoints[id]
}

// NodeEndpointIDs returns the NodeIDs with a mapped connection, sorted.
func (n *Node) NodeEndpointIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return sortedKeys(n.nodeEndpoints)
}

// ConsumerEndpointIDs returns the connected consumer IDs, sorted.
func (n *Node) ConsumerEndpointIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return sortedKeys(n.consumerEndpoints)
}

func (n *Node) openEndpoint(id string) *endpoint.Endpoint {
	ep := n.NodeEndpoint(id)
	if ep != nil && ep.ReadyState() == endpoint.Open {
		return ep
	}
	return nil
}

func (n *Node) setNodeEndpoint(id string, ep *endpoint.Endpoint) {
	n.mu.Lock()
	n.nodeEndpoints[id] = ep
	n.mu.Unlock()
	n.updateGauges()
}

// dropStaleEndpoint removes id's mapping when it is not open.
func (n *Node) dropStaleEndpoint(id string) {
	n.mu.Lock()
	if ep, ok := n.nodeEndpoints[id]; ok && ep.ReadyState() != endpoint.Open {
		delete(n.nodeEndpoints, id)
	}
	n.mu.Unlock()
	n.updateGauges()
}

func (n *Node) updateGauges() {
	n.mu.RLock()
	nodes, consumers := len(n.nodeEndpoints), len(n.consumerEndpoints)
	n.mu.RUnlock()
	n.metrics.Mesh(n.decls.Len(), nodes, consumers)
}

// prepareEndpoint installs the command table and close handling on a new
// connection before it starts reading.
func (n *Node) prepareEndpoint(ep *endpoint.Endpoint) {
	n.registerCmds(ep)
	ep.SetServiceHandler(n.handleServiceFrame)
	n.conns.Add(ep)
	ep.OnClose(n.onEndpointClose)
}

func (n *Node) onEndpointClose(ep *endpoint.Endpoint) {
	n.conns.Remove(ep)
	n.topics.UnsubscribeFromAll(ep, "")
	n.relays.teardownUpstream(n, ep)

	switch ep.Kind() {
	case endpoint.KindNode:
		id := ep.RemoteID()
		n.mu.RLock()
		current := n.nodeEndpoints[id] == ep
		n.mu.RUnlock()
		decl := n.decls.Get(id)
		if current {
			n.log.Info("node connection closed", "remote", id)
			n.UnregisterNode(n.ctx, id, ep)
		}
		n.relays.teardownDownstream(n, ep, "")
		if current && decl != nil && ep.Outbound() && !n.isRegistryLink(ep.URL()) {
			n.goTask(func(ctx context.Context) { n.redialPeer(ctx, decl) })
		}
	case endpoint.KindConsumer:
		id := ep.RemoteID()
		n.mu.Lock()
		if n.consumerEndpoints[id] == ep {
			delete(n.consumerEndpoints, id)
			delete(n.consumers, id)
		}
		n.mu.Unlock()
		n.relays.teardownDownstream(n, ep, "")
		n.webhook.Emit(EventConsumerDisconnected, map[string]string{"consumer_id": id})
		n.log.Info("consumer disconnected", "consumer", id)
		n.updateGauges()
	}
}

// goTask runs fn in the background, tracked for Shutdown.
func (n *Node) goTask(fn func(ctx context.Context)) {
	n.taskMu.Lock()
	defer n.taskMu.Unlock()
	if n.stopping {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn(n.ctx)
	}()
}

func sortedKeys(m map[string]*endpoint.Endpoint) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
