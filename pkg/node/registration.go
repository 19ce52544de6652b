package node

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// ErrInvalidDeclaration rejects a declaration without a NodeID.
var ErrInvalidDeclaration = errors.New("INVALID DECLARATION")

// ErrMeshKey rejects a hello carrying the wrong mesh key.
var ErrMeshKey = errors.New("mesh key mismatch")

// RegisterNode stores decl, replacing any earlier copy. A Registry relays
// the change to its other connections. Consumers' global subscriptions that
// match the node's streams are relayed to it in the background. source is
// the connection the declaration arrived on, nil for local calls.
func (n *Node) RegisterNode(ctx context.Context, decl *protocol.NodeDeclaration, source *endpoint.Endpoint) error {
	if decl == nil || decl.NodeID == "" {
		n.log.Warn("rejecting declaration without NodeID")
		return ErrInvalidDeclaration
	}

	n.topics.SendToTopic(protocol.RegistryUpdateTopic, &protocol.RegistryEvent{
		Action:      protocol.ActionRegister,
		NodeID:      decl.NodeID,
		Declaration: decl,
	})
	existed := n.decls.Set(decl)
	n.metrics.RegistryChange(protocol.ActionRegister)
	n.updateGauges()
	if !existed {
		n.log.Info("registered node", "remote", decl.NodeID, "roles", decl.NodeRoles, "url", decl.NodeURL)
		n.webhook.Emit(EventNodeRegistered, map[string]interface{}{"remote_id": decl.NodeID, "roles": decl.NodeRoles})
	} else {
		n.log.Debug("refreshed node declaration", "remote", decl.NodeID)
	}

	if n.roles.Contains(protocol.RoleRegistry) {
		n.relayNodeChange(ctx, protocol.CmdRegisterNode, decl.NodeID, decl, source)
	}

	if decl.NodeID != n.id && len(decl.Streams) > 0 {
		d := decl.Clone()
		n.goTask(func(ctx context.Context) { n.attachRelaysFor(ctx, d) })
	}
	return nil
}

// UnregisterNode forgets id: its declaration and its endpoint mapping. The
// connection itself is left open. A Registry relays the removal.
func (n *Node) UnregisterNode(ctx context.Context, id string, source *endpoint.Endpoint) {
	if id == "" || id == n.id {
		return
	}
	n.mu.Lock()
	_, hadEndpoint := n.nodeEndpoints[id]
	delete(n.nodeEndpoints, id)
	n.mu.Unlock()
	known := n.decls.Delete(id)
	n.updateGauges()
	if !known && !hadEndpoint {
		return
	}

	n.topics.SendToTopic(protocol.RegistryUpdateTopic, &protocol.RegistryEvent{
		Action: protocol.ActionUnregister,
		NodeID: id,
	})
	n.metrics.RegistryChange(protocol.ActionUnregister)
	n.webhook.Emit(EventNodeUnregistered, map[string]string{"remote_id": id})
	n.log.Info("unregistered node", "remote", id)

	if n.roles.Contains(protocol.RoleRegistry) {
		n.relayNodeChange(ctx, protocol.CmdUnregisterNode, id, &protocol.UnregisterParams{NodeID: id}, source)
	}
}

// relayNodeChange forwards a registration change to every connected node
// except the one it came from and the node it describes. A change that came
// from another registry only goes to non-registry nodes.
func (n *Node) relayNodeChange(ctx context.Context, cmd, subject string, params interface{}, source *endpoint.Endpoint) {
	fromRegistry := false
	if source != nil && source.Kind() == endpoint.KindNode {
		if d := n.decls.Get(source.RemoteID()); d != nil && d.HasRole(protocol.RoleRegistry) {
			fromRegistry = true
		}
	}

	n.mu.RLock()
	var targets []*endpoint.Endpoint
	for id, ep := range n.nodeEndpoints {
		if id == subject || ep == source || ep.ReadyState() != endpoint.Open {
			continue
		}
		if fromRegistry {
			if d := n.decls.Get(id); d != nil && d.HasRole(protocol.RoleRegistry) {
				continue
			}
		}
		targets = append(targets, ep)
	}
	n.mu.RUnlock()

	var g errgroup.Group
	for _, ep := range targets {
		ep := ep
		g.Go(func() error {
			if err := ep.SendCmdOneWay(protocol.ControlService, cmd, params); err != nil {
				return fmt.Errorf("relay %s to %s: %w", cmd, ep.RemoteID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		n.log.Debug("registry relay incomplete", "cmd", cmd, "subject", subject, "error", err)
	}
}

// handleHello classifies a new connection from its hello payload.
func (n *Node) handleHello(ctx context.Context, hello *protocol.Hello, ep *endpoint.Endpoint) (*protocol.HelloReply, error) {
	if err := hello.Validate(); err != nil {
		return nil, err
	}
	if n.cfg.MeshKey != "" && hello.MeshKey != n.cfg.MeshKey {
		n.log.Warn("hello with wrong mesh key", "remote_addr", ep.RemoteAddr())
		return nil, ErrMeshKey
	}

	switch hello.Kind {
	case protocol.HelloPeer:
		decl := hello.Declaration
		if decl.NodeID == "" {
			return nil, ErrInvalidDeclaration
		}
		ep.SetRemote(decl.NodeID, endpoint.KindNode)
		n.setNodeEndpoint(decl.NodeID, ep)
		if err := n.RegisterNode(ctx, decl, ep); err != nil {
			return nil, err
		}
		return &protocol.HelloReply{Declaration: n.Declaration()}, nil

	case protocol.HelloConsumer:
		id := ep.ID()
		ep.SetRemote(id, endpoint.KindConsumer)
		n.mu.Lock()
		n.consumerEndpoints[id] = ep
		n.consumers[id] = hello.Consumer
		n.mu.Unlock()
		n.updateGauges()
		n.webhook.Emit(EventConsumerConnected, map[string]string{"consumer_id": id, "user_agent": hello.Consumer.UserAgent})
		n.log.Info("consumer connected", "consumer", id, "user_agent", hello.Consumer.UserAgent)
		return &protocol.HelloReply{Declaration: n.Declaration(), ConsumerID: id}, nil
	}
	return nil, fmt.Errorf("unknown hello kind %q", hello.Kind)
}
