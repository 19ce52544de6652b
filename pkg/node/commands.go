package node

import (
	"context"
	"encoding/json"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/pathing"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
	"github.com/TeoSlayer/drpmesh/pkg/topic"
)

// registerCmds installs the control-protocol command table on ep.
func (n *Node) registerCmds(ep *endpoint.Endpoint) {
	ep.RegisterCmd(protocol.CmdHello, n.cmdHello)
	ep.RegisterCmd(protocol.CmdRegisterNode, n.cmdRegisterNode)
	ep.RegisterCmd(protocol.CmdUnregisterNode, n.cmdUnregisterNode)
	ep.RegisterCmd(protocol.CmdGetDeclarations, n.cmdGetDeclarations)
	ep.RegisterCmd(protocol.CmdGetRegistry, n.cmdGetDeclarations)
	ep.RegisterCmd(protocol.CmdGetNodeDeclaration, n.cmdGetNodeDeclaration)
	ep.RegisterCmd(protocol.CmdSubscribe, n.cmdSubscribe)
	ep.RegisterCmd(protocol.CmdUnsubscribe, n.cmdUnsubscribe)
	ep.RegisterCmd(protocol.CmdPathCmd, n.cmdPathCmd)
	ep.RegisterCmd(protocol.CmdConnectToNode, n.cmdConnectToNode)
	ep.RegisterCmd(protocol.CmdGetClassRecords, n.cmdGetClassRecords)
	ep.RegisterCmd(protocol.CmdListClassInstances, n.cmdListClassInstances)
	ep.RegisterCmd(protocol.CmdListServiceInstances, n.cmdListServiceInstances)
	ep.RegisterCmd(protocol.CmdGetClassDefinitions, n.cmdGetClassDefinitions)
	ep.RegisterCmd(protocol.CmdListClassInstanceDefinitions, n.cmdListClassInstanceDefinitions)
	ep.RegisterCmd(protocol.CmdSendToTopic, n.cmdSendToTopic)
	ep.RegisterCmd(protocol.CmdGetCmds, n.cmdGetCmds)
	ep.RegisterCmd(protocol.CmdGetTopicHistory, n.cmdGetTopicHistory)
}

func (n *Node) cmdHello(ctx context.Context, params json.RawMessage, ep *endpoint.Endpoint, _ string) (interface{}, error) {
	var hello protocol.Hello
	if err := decodeParams(params, &hello); err != nil {
		return nil, err
	}
	return n.handleHello(ctx, &hello, ep)
}

func (n *Node) cmdRegisterNode(ctx context.Context, params json.RawMessage, ep *endpoint.Endpoint, _ string) (interface{}, error) {
	var decl protocol.NodeDeclaration
	if err := decodeParams(params, &decl); err != nil {
		return nil, err
	}
	if err := n.RegisterNode(ctx, &decl, ep); err != nil {
		return nil, err
	}
	return "OKAY", nil
}

func (n *Node) cmdUnregisterNode(ctx context.Context, params json.RawMessage, ep *endpoint.Endpoint, _ string) (interface{}, error) {
	var p protocol.UnregisterParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	n.UnregisterNode(ctx, p.NodeID, ep)
	return "OKAY", nil
}

func (n *Node) cmdGetDeclarations(context.Context, json.RawMessage, *endpoint.Endpoint, string) (interface{}, error) {
	return n.decls.All(), nil
}

func (n *Node) cmdGetNodeDeclaration(context.Context, json.RawMessage, *endpoint.Endpoint, string) (interface{}, error) {
	return n.Declaration(), nil
}

func (n *Node) cmdSubscribe(ctx context.Context, params json.RawMessage, ep *endpoint.Endpoint, _ string) (interface{}, error) {
	var p protocol.SubscribeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, n.Subscribe(ctx, ep, &p)
}

func (n *Node) cmdUnsubscribe(_ context.Context, params json.RawMessage, ep *endpoint.Endpoint, _ string) (interface{}, error) {
	var p protocol.UnsubscribeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return n.Unsubscribe(ep, &p), nil
}

func (n *Node) cmdPathCmd(ctx context.Context, params json.RawMessage, _ *endpoint.Endpoint, _ string) (interface{}, error) {
	var cmd protocol.PathCmd
	if err := decodeParams(params, &cmd); err != nil {
		return nil, err
	}
	return n.GetObjFromPath(ctx, &cmd)
}

func (n *Node) cmdConnectToNode(ctx context.Context, params json.RawMessage, _ *endpoint.Endpoint, _ string) (interface{}, error) {
	var p protocol.ConnectToNodeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return n.handleConnectToNode(ctx, &p)
}

func (n *Node) cmdGetClassRecords(ctx context.Context, params json.RawMessage, _ *endpoint.Endpoint, _ string) (interface{}, error) {
	var q protocol.ClassQuery
	if err := decodeParams(params, &q); err != nil {
		return nil, err
	}
	return n.GetClassRecords(ctx, &q)
}

func (n *Node) cmdListClassInstances(_ context.Context, params json.RawMessage, _ *endpoint.Endpoint, _ string) (interface{}, error) {
	var q protocol.ClassQuery
	if err := decodeParams(params, &q); err != nil {
		return nil, err
	}
	return n.decls.ListClassInstances(q.ClassName), nil
}

func (n *Node) cmdListServiceInstances(_ context.Context, params json.RawMessage, _ *endpoint.Endpoint, _ string) (interface{}, error) {
	var q protocol.ClassQuery
	if err := decodeParams(params, &q); err != nil {
		return nil, err
	}
	return n.decls.ListServiceInstances(q.ServiceName), nil
}

func (n *Node) cmdGetClassDefinitions(context.Context, json.RawMessage, *endpoint.Endpoint, string) (interface{}, error) {
	return n.decls.GetClassDefinitions(), nil
}

func (n *Node) cmdListClassInstanceDefinitions(_ context.Context, params json.RawMessage, _ *endpoint.Endpoint, _ string) (interface{}, error) {
	var q protocol.ClassQuery
	if err := decodeParams(params, &q); err != nil {
		return nil, err
	}
	return n.decls.ListClassInstanceDefinitions(q.ClassName), nil
}

func (n *Node) cmdSendToTopic(_ context.Context, params json.RawMessage, _ *endpoint.Endpoint, _ string) (interface{}, error) {
	var p protocol.SendToTopicParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	n.topics.SendToTopic(p.TopicName, p.TopicData)
	return nil, nil
}

func (n *Node) cmdGetCmds(_ context.Context, _ json.RawMessage, ep *endpoint.Endpoint, _ string) (interface{}, error) {
	return ep.Cmds(), nil
}

func (n *Node) cmdGetTopicHistory(_ context.Context, params json.RawMessage, _ *endpoint.Endpoint, _ string) (interface{}, error) {
	var q protocol.TopicQuery
	if err := decodeParams(params, &q); err != nil {
		return nil, err
	}
	if q.TopicName == "" {
		stats := make([]topic.Stats, 0)
		for _, name := range n.topics.Topics() {
			stats = append(stats, n.topics.GetTopic(name).Stats())
		}
		return stats, nil
	}
	t := n.topics.GetTopic(q.TopicName)
	if t == nil {
		return nil, nil
	}
	return t.History(), nil
}

// GetObjFromPath resolves a path command against this node's object tree.
func (n *Node) GetObjFromPath(ctx context.Context, cmd *protocol.PathCmd) (interface{}, error) {
	return pathing.GetObjFromPath(ctx, cmd, n.baseObject())
}
