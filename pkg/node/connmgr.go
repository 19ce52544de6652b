package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// VerifyNodeConnection returns an open connection to id, or nil when none
// can be obtained right now. It dials the node's URL if it has one and
// otherwise asks a registry to have the node dial back. Concurrent calls
// for the same node share one attempt.
func (n *Node) VerifyNodeConnection(ctx context.Context, id string) *endpoint.Endpoint {
	if id == "" || id == n.id {
		return nil
	}
	decl := n.decls.Get(id)
	if decl == nil {
		n.log.Debug("verify: unknown node", "remote", id)
		return nil
	}
	if ep := n.openEndpoint(id); ep != nil {
		return ep
	}

	// The shared attempt is bounded by the node's context and the dial
	// windows. ctx bounds only this caller's wait.
	ch := n.verify.DoChan(id, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(n.ctx, 2*n.cfg.dialWindow())
		defer cancel()
		return n.establish(ctx, decl), nil
	})
	select {
	case res := <-ch:
		ep, _ := res.Val.(*endpoint.Endpoint)
		return ep
	case <-ctx.Done():
		return nil
	}
}

func (n *Node) establish(ctx context.Context, decl *protocol.NodeDeclaration) *endpoint.Endpoint {
	start := time.Now()
	defer func() { n.metrics.VerifyDuration(time.Since(start)) }()
	id := decl.NodeID

	if decl.NodeURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, n.cfg.dialWindow())
		ep, err := n.connectNode(dialCtx, decl.NodeURL)
		cancel()
		if err != nil {
			n.log.Debug("direct dial failed", "remote", id, "url", decl.NodeURL, "error", err)
		} else if ep.RemoteID() != id {
			n.log.Warn("dialed URL answered as a different node", "remote", id, "answered", ep.RemoteID())
		}
		if ep := n.openEndpoint(id); ep != nil {
			return ep
		}
	}

	if ep := n.requestBackConnect(ctx, id); ep != nil {
		return ep
	}
	n.dropStaleEndpoint(id)
	n.log.Info("node unreachable", "remote", id)
	return nil
}

// requestBackConnect asks the first reachable registry to have id dial this
// node, then waits for the inbound connection.
func (n *Node) requestBackConnect(ctx context.Context, id string) *endpoint.Endpoint {
	url := n.URL()
	if url == "" {
		n.metrics.BackConnect("unavailable")
		return nil
	}
	params := &protocol.ConnectToNodeParams{
		TargetNodeID: id,
		SourceNodeID: n.id,
		WSTarget:     url,
		TTL:          n.cfg.connectTTL(),
	}

	sent := false
	for _, rid := range n.decls.NodesWithRole(protocol.RoleRegistry) {
		if rid == id {
			continue
		}
		reg := n.openEndpoint(rid)
		if reg == nil {
			continue
		}
		if err := reg.SendCmdOneWay(protocol.ControlService, protocol.CmdConnectToNode, params); err != nil {
			n.log.Debug("connectToNode send failed", "registry", rid, "error", err)
			continue
		}
		n.log.Debug("requested back-connect", "remote", id, "registry", rid)
		sent = true
		break
	}
	if !sent {
		n.metrics.BackConnect("unavailable")
		return nil
	}

	ticker := time.NewTicker(n.cfg.dialPollInterval())
	defer ticker.Stop()
	for i := 0; i < n.cfg.dialPollAttempts(); i++ {
		select {
		case <-ctx.Done():
			n.metrics.BackConnect("cancelled")
			return nil
		case <-ticker.C:
		}
		if ep := n.openEndpoint(id); ep != nil {
			n.metrics.BackConnect("ok")
			return ep
		}
	}
	n.metrics.BackConnect("timeout")
	return nil
}

// handleConnectToNode dials the source when this node is the target, or
// forwards the request one hop closer while the TTL allows.
func (n *Node) handleConnectToNode(ctx context.Context, p *protocol.ConnectToNodeParams) (interface{}, error) {
	if p.TargetNodeID == n.id {
		if ep := n.openEndpoint(p.SourceNodeID); ep != nil {
			return "already connected", nil
		}
		url := p.WSTarget
		if url == "" {
			if d := n.decls.Get(p.SourceNodeID); d != nil {
				url = d.NodeURL
			}
		}
		if url == "" {
			return nil, fmt.Errorf("no URL for node %s", p.SourceNodeID)
		}
		n.log.Info("back-connecting", "remote", p.SourceNodeID, "url", url)
		dialCtx, cancel := context.WithTimeout(ctx, n.cfg.dialWindow())
		defer cancel()
		if _, err := n.connectNode(dialCtx, url); err != nil {
			return nil, fmt.Errorf("back-connect to %s: %w", p.SourceNodeID, err)
		}
		return "connected", nil
	}

	target := n.openEndpoint(p.TargetNodeID)
	if target == nil {
		n.log.Info("cannot relay connectToNode", "target", p.TargetNodeID, "source", p.SourceNodeID)
		return nil, fmt.Errorf("not connected to %s", p.TargetNodeID)
	}
	if p.TTL <= 0 {
		n.log.Warn("dropping connectToNode with exhausted TTL", "target", p.TargetNodeID, "source", p.SourceNodeID)
		return nil, errors.New("connectToNode TTL exhausted")
	}
	fwd := *p
	fwd.TTL--
	if err := target.SendCmdOneWay(protocol.ControlService, protocol.CmdConnectToNode, &fwd); err != nil {
		return nil, err
	}
	return "forwarded", nil
}

// connectNode dials url, exchanges hello and maps the connection under the
// NodeID the other side reports.
func (n *Node) connectNode(ctx context.Context, url string) (*endpoint.Endpoint, error) {
	ep, err := endpoint.Dial(ctx, url, endpoint.Options{Metrics: n.metrics})
	if err != nil {
		return nil, err
	}
	n.prepareEndpoint(ep)
	ep.Start()

	reply, err := ep.SendCmd(ctx, protocol.ControlService, protocol.CmdHello, protocol.PeerHello(n.Declaration(), n.cfg.MeshKey))
	if err != nil {
		ep.Close()
		return nil, fmt.Errorf("hello to %s: %w", url, err)
	}
	if err := reply.Err(); err != nil {
		ep.Close()
		return nil, fmt.Errorf("hello to %s: %w", url, err)
	}
	var hr protocol.HelloReply
	if err := reply.Decode(&hr); err != nil || hr.Declaration == nil || hr.Declaration.NodeID == "" {
		ep.Close()
		return nil, fmt.Errorf("hello to %s: no declaration in reply", url)
	}

	remote := hr.Declaration
	ep.SetRemote(remote.NodeID, endpoint.KindNode)
	n.setNodeEndpoint(remote.NodeID, ep)
	if err := n.RegisterNode(ctx, remote, ep); err != nil {
		ep.Close()
		return nil, err
	}
	n.log.Info("connected to node", "remote", remote.NodeID, "url", url)
	return ep, nil
}

// runRegistryLink keeps a connection to a registry open until shutdown.
func (n *Node) runRegistryLink(url string) {
	log := n.log.With("registry_url", url)
	for {
		ep, err := backoff.Retry(n.ctx, func() (*endpoint.Endpoint, error) {
			n.metrics.ReconnectAttempt()
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.dialWindow())
			defer cancel()
			return n.connectNode(ctx, url)
		},
			backoff.WithBackOff(n.cfg.reconnectBackOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Warn("registry connect failed", "error", err, "retry_in", next)
			}),
		)
		if err != nil {
			return
		}
		n.syncRegistry(n.ctx, ep)

		select {
		case <-ep.Done():
		case <-n.ctx.Done():
			return
		}
		log.Warn("registry connection lost, reconnecting", "delay", n.cfg.reconnectDelay())
		select {
		case <-time.After(n.cfg.reconnectDelay()):
		case <-n.ctx.Done():
			return
		}
	}
}

// redialPeer dials a node once more after its outbound connection dropped.
// decl is the declaration held before the drop; the hello exchange
// registers the node again.
func (n *Node) redialPeer(ctx context.Context, decl *protocol.NodeDeclaration) {
	if decl.NodeURL == "" {
		return
	}
	select {
	case <-time.After(n.cfg.reconnectDelay()):
	case <-ctx.Done():
		return
	}
	if n.openEndpoint(decl.NodeID) != nil {
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.dialWindow())
	defer cancel()
	if _, err := n.connectNode(dialCtx, decl.NodeURL); err != nil {
		n.log.Info("redial failed", "remote", decl.NodeID, "url", decl.NodeURL, "error", err)
		return
	}
	n.log.Info("reconnected to node", "remote", decl.NodeID)
}

func (n *Node) isRegistryLink(url string) bool {
	for _, u := range n.cfg.RegistryURLs {
		if u == url {
			return true
		}
	}
	return false
}

// syncRegistry pulls the registry's declarations after connecting.
func (n *Node) syncRegistry(ctx context.Context, reg *endpoint.Endpoint) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.cmdTimeout())
	defer cancel()
	reply, err := reg.SendCmd(ctx, protocol.ControlService, protocol.CmdGetDeclarations, nil)
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		n.log.Warn("getDeclarations from registry failed", "registry", reg.RemoteID(), "error", err)
		return
	}
	var decls map[string]*protocol.NodeDeclaration
	if err := reply.Decode(&decls); err != nil {
		n.log.Warn("decode registry declarations", "error", err)
		return
	}
	for id, d := range decls {
		if id == n.id || d == nil || id == reg.RemoteID() {
			continue
		}
		if err := n.RegisterNode(ctx, d, reg); err != nil {
			n.log.Debug("skipping registry entry", "remote", id, "error", err)
		}
	}
}

// decodeParams unmarshals command params, treating an empty payload as zero.
func decodeParams(raw json.RawMessage, v interface{}) error {
	if err := protocol.Decode(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
