package node

import (
	"context"
	"fmt"

	"github.com/TeoSlayer/drpmesh/pkg/pathing"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
	"github.com/TeoSlayer/drpmesh/pkg/topic"
)

// baseObject builds the tree path commands resolve against.
func (n *Node) baseObject() pathing.Node {
	self := n.Declaration()
	roles := make(pathing.List, 0, len(self.NodeRoles))
	for _, r := range self.NodeRoles {
		roles = append(roles, pathing.Value{V: string(r)})
	}
	return pathing.Container{
		"NodeID":    pathing.Value{V: n.id},
		"NodeURL":   pathing.Value{V: self.NodeURL},
		"NodeRoles": roles,
		"Services":  n.servicesTree(),
		"Streams":   n.streamsTree(self),
		"Endpoints": pathing.Container{
			"Nodes":     pathing.Delegate(n.resolveNodeEndpoints),
			"Consumers": pathing.Delegate(n.resolveConsumerEndpoints),
		},
		"Mesh": pathing.Container{
			"Registry": pathing.Delegate(n.resolveRegistry),
			"Streams":  pathing.Delegate(n.resolveMeshStreams),
			"Services": pathing.Delegate(n.resolveMeshServices),
		},
		"Relays": pathing.Delegate(func(context.Context, []string, *protocol.PathCmd) (interface{}, error) {
			return pathing.FromStruct(n.Relays())
		}),
	}
}

func (n *Node) servicesTree() pathing.Container {
	n.mu.RLock()
	svcs := make([]*Service, 0, len(n.services))
	for _, s := range n.services {
		svcs = append(svcs, s)
	}
	n.mu.RUnlock()

	out := make(pathing.Container, len(svcs))
	for _, s := range svcs {
		d := s.decl(n.cfg.Zone)
		cmds := make(pathing.List, 0, len(d.ClientCmds))
		for _, c := range d.ClientCmds {
			cmds = append(cmds, pathing.Value{V: c})
		}
		c := pathing.Container{
			"ClientCmds":  cmds,
			"Persistence": pathing.Value{V: d.Persistence},
			"Weight":      pathing.Value{V: d.Weight},
			"Priority":    pathing.Value{V: d.Priority},
			"Zone":        pathing.Value{V: d.Zone},
		}
		switch t := s.Tree.(type) {
		case nil:
		case pathing.Container:
			for k, v := range t {
				c[k] = v
			}
		default:
			c["Data"] = t
		}
		out[s.Name] = c
	}
	return out
}

func (n *Node) streamsTree(self *protocol.NodeDeclaration) pathing.Container {
	out := make(pathing.Container)
	for _, name := range n.topics.Topics() {
		t := n.topics.GetTopic(name)
		stats := t.Stats()
		history := make(pathing.List, 0, topic.HistoryLength)
		for _, msg := range t.History() {
			history = append(history, pathing.FromData(msg))
		}
		out[name] = pathing.Container{
			"Description":      pathing.Value{V: self.Streams[name]},
			"SubscriberCount":  pathing.Value{V: stats.Subscribers},
			"ReceivedMessages": pathing.Value{V: stats.ReceivedCount},
			"SentMessages":     pathing.Value{V: stats.SentCount},
			"History":          history,
		}
	}
	return out
}

// resolveNodeEndpoints lists connected nodes, or forwards the rest of the
// path to the node named by the first segment.
func (n *Node) resolveNodeEndpoints(ctx context.Context, rest []string, cmd *protocol.PathCmd) (interface{}, error) {
	if len(rest) == 0 {
		out := make(pathing.Container)
		for _, id := range n.NodeEndpointIDs() {
			if ep := n.NodeEndpoint(id); ep != nil {
				out[id] = pathing.FromData(ep.Info())
			}
		}
		return out, nil
	}
	return n.fetchPath(ctx, rest[0], rest[1:], cmd)
}

// resolveConsumerEndpoints lists consumers, or forwards the rest of the path
// to the consumer named by the first segment.
func (n *Node) resolveConsumerEndpoints(ctx context.Context, rest []string, cmd *protocol.PathCmd) (interface{}, error) {
	if len(rest) == 0 {
		n.mu.RLock()
		out := make(pathing.Container, len(n.consumerEndpoints))
		for id, ep := range n.consumerEndpoints {
			info := ep.Info()
			if h := n.consumers[id]; h != nil {
				info["UserAgent"] = h.UserAgent
				info["User"] = h.User
			}
			out[id] = pathing.FromData(info)
		}
		n.mu.RUnlock()
		return out, nil
	}

	n.mu.RLock()
	ep := n.consumerEndpoints[rest[0]]
	n.mu.RUnlock()
	if ep == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.cmdTimeout())
	defer cancel()
	reply, err := ep.SendCmd(ctx, protocol.ControlService, protocol.CmdPathCmd, cmd.Forward(rest[1:]))
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		n.log.Debug("consumer path failed", "consumer", rest[0], "error", err)
		return nil, nil
	}
	var out interface{}
	if err := reply.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Node) resolveRegistry(ctx context.Context, rest []string, cmd *protocol.PathCmd) (interface{}, error) {
	tree, err := pathing.FromStruct(n.decls.All())
	if err != nil {
		return nil, err
	}
	return pathing.EvalPath(ctx, tree, rest, cmd)
}

// resolveMeshStreams maps a stream name to the nodes publishing it and a
// node ID to that node's Streams entry.
func (n *Node) resolveMeshStreams(ctx context.Context, rest []string, cmd *protocol.PathCmd) (interface{}, error) {
	index := n.decls.StreamIndex()
	switch len(rest) {
	case 0:
		return pathing.FromStruct(index)
	case 1:
		ids, ok := index[rest[0]]
		if !ok {
			return nil, nil
		}
		out := make(pathing.Container, len(ids))
		for _, id := range ids {
			if d := n.decls.Get(id); d != nil {
				out[id] = pathing.Value{V: d.Streams[rest[0]]}
			}
		}
		return out, nil
	}
	if !contains(index[rest[0]], rest[1]) {
		return nil, nil
	}
	return n.fetchPath(ctx, rest[1], append([]string{"Streams", rest[0]}, rest[2:]...), cmd)
}

// resolveMeshServices maps a service name to the path of the first node
// hosting it.
func (n *Node) resolveMeshServices(ctx context.Context, rest []string, cmd *protocol.PathCmd) (interface{}, error) {
	index := n.decls.ServiceIndex()
	if len(rest) == 0 {
		return pathing.FromStruct(n.decls.ListServiceInstances(""))
	}
	ids, ok := index[rest[0]]
	if !ok || len(ids) == 0 {
		return nil, nil
	}
	target := ids[0]
	if n.Service(rest[0]) != nil {
		target = n.id
	}
	return n.fetchPath(ctx, target, append([]string{"Services", rest[0]}, rest[1:]...), cmd)
}

// fetchPath resolves path on node id, locally or over a verified connection.
// An unreachable node yields nil.
func (n *Node) fetchPath(ctx context.Context, id string, path []string, cmd *protocol.PathCmd) (interface{}, error) {
	fwd := cmd.Forward(path)
	if id == n.id {
		return n.GetObjFromPath(ctx, fwd)
	}
	ep := n.VerifyNodeConnection(ctx, id)
	if ep == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.cmdTimeout())
	defer cancel()
	reply, err := ep.SendCmd(ctx, protocol.ControlService, protocol.CmdPathCmd, fwd)
	if err != nil {
		n.log.Debug("path forward failed", "remote", id, "error", err)
		return nil, nil
	}
	if err := reply.Err(); err != nil {
		return nil, fmt.Errorf("path on %s: %w", id, err)
	}
	var out interface{}
	if err := reply.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
