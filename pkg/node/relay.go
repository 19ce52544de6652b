package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/metrics"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// RelayBinding ties a downstream global subscription to the local
// subscription this node holds on the node that publishes the topic.
type RelayBinding struct {
	TopicName     string    `json:"topicName"`
	TargetNodeID  string    `json:"targetNodeID"`
	OriginToken   string    `json:"originToken"`
	UpstreamToken string    `json:"upstreamToken"`
	DownstreamID  string    `json:"downstreamID"`
	Created       time.Time `json:"created"`

	upstream   *endpoint.Endpoint
	downstream *endpoint.Endpoint
}

type relayTable struct {
	mu       sync.Mutex
	bindings mapset.Set[*RelayBinding]
	metrics  *metrics.Metrics
}

func newRelayTable(m *metrics.Metrics) *relayTable {
	return &relayTable{bindings: mapset.NewThreadUnsafeSet[*RelayBinding](), metrics: m}
}

// reserve adds b unless a binding for the same downstream, origin token and
// target already exists.
func (t *relayTable) reserve(b *RelayBinding) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	dup := false
	t.bindings.Each(func(have *RelayBinding) bool {
		dup = have.downstream == b.downstream && have.OriginToken == b.OriginToken && have.TargetNodeID == b.TargetNodeID
		return dup
	})
	if dup {
		return false
	}
	t.bindings.Add(b)
	t.metrics.RelayBindings(t.bindings.Cardinality())
	return true
}

// bind records the upstream side once the handler token is known.
func (t *relayTable) bind(b *RelayBinding, up *endpoint.Endpoint, token string) {
	t.mu.Lock()
	b.upstream = up
	b.UpstreamToken = token
	t.mu.Unlock()
}

// release drops b and reports whether it was still present.
func (t *relayTable) release(b *RelayBinding) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bindings.Contains(b) {
		return false
	}
	t.bindings.Remove(b)
	t.metrics.RelayBindings(t.bindings.Cardinality())
	return true
}

// take removes and returns every binding for which match holds.
func (t *relayTable) take(match func(*RelayBinding) bool) []*RelayBinding {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*RelayBinding
	for _, b := range t.bindings.ToSlice() {
		if match(b) {
			out = append(out, b)
		}
	}
	for _, b := range out {
		t.bindings.Remove(b)
	}
	if len(out) > 0 {
		t.metrics.RelayBindings(t.bindings.Cardinality())
	}
	return out
}

// snapshot copies the bindings in a stable order.
func (t *relayTable) snapshot() []RelayBinding {
	t.mu.Lock()
	out := make([]RelayBinding, 0, t.bindings.Cardinality())
	for _, b := range t.bindings.ToSlice() {
		out = append(out, *b)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TopicName != out[j].TopicName {
			return out[i].TopicName < out[j].TopicName
		}
		if out[i].TargetNodeID != out[j].TargetNodeID {
			return out[i].TargetNodeID < out[j].TargetNodeID
		}
		return out[i].OriginToken < out[j].OriginToken
	})
	return out
}

// teardownUpstream forgets bindings fed by ep. The downstream records stay,
// so the relay is rebuilt when the publisher registers again.
func (t *relayTable) teardownUpstream(n *Node, ep *endpoint.Endpoint) {
	for _, b := range t.take(func(b *RelayBinding) bool { return b.upstream == ep }) {
		n.log.Debug("relay upstream closed", "topic", b.TopicName, "target", b.TargetNodeID, "token", b.OriginToken)
	}
}

// teardownDownstream removes bindings serving ep, limited to token when set,
// and cancels the matching upstream subscriptions.
func (t *relayTable) teardownDownstream(n *Node, ep *endpoint.Endpoint, token string) int {
	bs := t.take(func(b *RelayBinding) bool {
		return b.downstream == ep && (token == "" || b.OriginToken == token)
	})
	for _, b := range bs {
		n.cancelUpstream(b)
	}
	return len(bs)
}

// Relays returns the active relay bindings.
func (n *Node) Relays() []RelayBinding { return n.relays.snapshot() }

// Subscribe records a subscription made over ep. A local subscription
// attaches to the local topic. A global one attaches locally when this node
// publishes the stream and is relayed from every other node that does.
func (n *Node) Subscribe(ctx context.Context, ep *endpoint.Endpoint, p *protocol.SubscribeParams) error {
	if p.TopicName == "" || p.StreamToken == "" {
		return errors.New("subscribe requires topicName and streamToken")
	}
	ep.AddSubscription(*p)
	if p.Scope != protocol.ScopeGlobal {
		n.topics.SubscribeToTopic(p.TopicName, ep, p.StreamToken, p.Filter)
		return nil
	}

	sub := *p
	var g errgroup.Group
	for _, id := range n.decls.NodesWithStream(p.TopicName) {
		if id == n.id {
			n.topics.SubscribeToTopic(p.TopicName, ep, p.StreamToken, p.Filter)
			continue
		}
		id := id
		g.Go(func() error { return n.relaySubscribe(ctx, ep, &sub, id) })
	}
	if err := g.Wait(); err != nil {
		n.log.Info("global subscription incomplete", "topic", p.TopicName, "error", err)
	}
	return nil
}

// Unsubscribe removes the subscription ep holds under the stream token,
// along with any relays serving it.
func (n *Node) Unsubscribe(ep *endpoint.Endpoint, p *protocol.UnsubscribeParams) bool {
	rec, had := ep.RemoveSubscription(p.StreamToken)
	name := p.TopicName
	if name == "" {
		name = rec.TopicName
	}
	removed := n.topics.UnsubscribeFromTopic(name, ep, p.StreamToken)
	relays := n.relays.teardownDownstream(n, ep, p.StreamToken)
	return had || removed || relays > 0
}

// relaySubscribe subscribes to the topic on target and forwards what
// arrives to down under the origin token.
func (n *Node) relaySubscribe(ctx context.Context, down *endpoint.Endpoint, p *protocol.SubscribeParams, target string) error {
	if !down.HasSubscription(p.StreamToken) {
		return nil
	}
	b := &RelayBinding{
		TopicName:    p.TopicName,
		TargetNodeID: target,
		OriginToken:  p.StreamToken,
		DownstreamID: down.RemoteID(),
		Created:      time.Now(),
		downstream:   down,
	}
	if !n.relays.reserve(b) {
		return nil
	}

	up := n.VerifyNodeConnection(ctx, target)
	if up == nil {
		n.relays.release(b)
		return fmt.Errorf("relay %s: node %s unreachable", p.TopicName, target)
	}
	// The subscriber may have left while the connection was set up.
	if !down.HasSubscription(p.StreamToken) || down.ReadyState() != endpoint.Open {
		n.relays.release(b)
		return nil
	}

	token := up.AddStreamHandler(func(f *protocol.Frame) {
		if err := down.SendStream(b.OriginToken, f.Status, f.Payload); err != nil {
			n.log.Debug("relay downstream send failed", "topic", b.TopicName, "error", err)
			if n.relays.release(b) {
				n.goTask(func(context.Context) { n.cancelUpstream(b) })
			}
		}
	})
	n.relays.bind(b, up, token)

	reply, err := up.SendCmd(ctx, protocol.ControlService, protocol.CmdSubscribe, &protocol.SubscribeParams{
		TopicName:   p.TopicName,
		StreamToken: token,
		Scope:       protocol.ScopeLocal,
		Filter:      p.Filter,
	})
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		up.DeleteStreamHandler(token)
		n.relays.release(b)
		return fmt.Errorf("relay %s from %s: %w", p.TopicName, target, err)
	}
	n.log.Debug("relay established", "topic", p.TopicName, "target", target, "downstream", b.DownstreamID)
	return nil
}

// cancelUpstream drops the stream handler of a released binding and tells
// the publisher to stop sending.
func (n *Node) cancelUpstream(b *RelayBinding) {
	n.relays.mu.Lock()
	up, token := b.upstream, b.UpstreamToken
	n.relays.mu.Unlock()
	if up == nil || token == "" {
		return
	}
	up.DeleteStreamHandler(token)
	if up.ReadyState() != endpoint.Open {
		return
	}
	err := up.SendCmdOneWay(protocol.ControlService, protocol.CmdUnsubscribe, &protocol.UnsubscribeParams{
		TopicName:   b.TopicName,
		StreamToken: token,
	})
	if err != nil {
		n.log.Debug("relay unsubscribe failed", "topic", b.TopicName, "target", b.TargetNodeID, "error", err)
	}
}

// attachRelaysFor relays existing global subscriptions from a node that
// just registered with matching streams.
func (n *Node) attachRelaysFor(ctx context.Context, decl *protocol.NodeDeclaration) {
	n.mu.RLock()
	eps := make([]*endpoint.Endpoint, 0, len(n.consumerEndpoints)+len(n.nodeEndpoints))
	for _, ep := range n.consumerEndpoints {
		eps = append(eps, ep)
	}
	for _, ep := range n.nodeEndpoints {
		eps = append(eps, ep)
	}
	n.mu.RUnlock()

	var g errgroup.Group
	for _, ep := range eps {
		if ep.ReadyState() != endpoint.Open || ep.RemoteID() == decl.NodeID {
			continue
		}
		for _, sub := range ep.Subscriptions() {
			if sub.Scope != protocol.ScopeGlobal || !decl.HasStream(sub.TopicName) {
				continue
			}
			ep, sub := ep, sub
			g.Go(func() error { return n.relaySubscribe(ctx, ep, &sub, decl.NodeID) })
		}
	}
	if err := g.Wait(); err != nil {
		n.log.Debug("attaching relays incomplete", "remote", decl.NodeID, "error", err)
	}
}
