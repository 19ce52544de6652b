package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/pathing"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// Method implements one client command of a service. caller is nil for
// calls made from inside the process.
type Method func(ctx context.Context, params json.RawMessage, caller *endpoint.Endpoint) (interface{}, error)

// Service is an application service hosted by a node.
type Service struct {
	Name        string
	Persistence bool
	Weight      int
	Priority    int
	Zone        string // overrides the node zone when set

	// Tree, when set, is exposed under the node's Services path.
	Tree pathing.Node

	mu      sync.RWMutex
	methods map[string]Method
}

// NewService creates an empty service.
func NewService(name string) *Service {
	return &Service{Name: name, methods: make(map[string]Method)}
}

// AddMethod exposes fn as a client command. It returns s for chaining.
func (s *Service) AddMethod(name string, fn Method) *Service {
	s.mu.Lock()
	s.methods[name] = fn
	s.mu.Unlock()
	return s
}

func (s *Service) method(name string) (Method, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.methods[name]
	return fn, ok
}

// Methods returns the exposed command names, sorted.
func (s *Service) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) decl(zone string) protocol.ServiceDecl {
	if s.Zone != "" {
		zone = s.Zone
	}
	return protocol.ServiceDecl{
		ClientCmds:  s.Methods(),
		Persistence: s.Persistence,
		Weight:      s.Weight,
		Priority:    s.Priority,
		Zone:        zone,
	}
}

// AddService hosts svc on this node and advertises it.
func (n *Node) AddService(svc *Service) {
	n.mu.Lock()
	n.services[svc.Name] = svc
	n.mu.Unlock()
	n.refreshDeclaration()
	n.log.Info("service added", "service", svc.Name, "methods", svc.Methods())
}

// Service returns a locally hosted service or nil.
func (n *Node) Service(name string) *Service {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.services[name]
}

// LocalServiceCommand runs a method of a locally hosted service. An unknown
// service or method yields nil; only the method's own error is returned.
func (n *Node) LocalServiceCommand(ctx context.Context, service, method string, params json.RawMessage, caller *endpoint.Endpoint) (interface{}, error) {
	svc := n.Service(service)
	if svc == nil {
		n.log.Info("service not hosted here", "service", service)
		return nil, nil
	}
	fn, ok := svc.method(method)
	if !ok {
		n.log.Info("service has no such method", "service", service, "method", method)
		return nil, nil
	}
	return fn(ctx, params, caller)
}

// ServiceCommand executes req on this node when the service is hosted here
// and otherwise on the first node advertising it. Missing names and every
// remote failure yield nil without an error; errors of a local method are
// returned.
func (n *Node) ServiceCommand(ctx context.Context, req *protocol.ServiceRequest, caller *endpoint.Endpoint) (interface{}, error) {
	if req.ServiceName == "" || req.Method == "" {
		n.log.Warn("service command without service or method", "service", req.ServiceName, "method", req.Method)
		return nil, nil
	}
	params, err := protocol.Encode(req.Params)
	if err != nil {
		return nil, fmt.Errorf("encode %s.%s params: %w", req.ServiceName, req.Method, err)
	}

	if n.Service(req.ServiceName) != nil && (req.TargetNodeID == "" || req.TargetNodeID == n.id) {
		return n.LocalServiceCommand(ctx, req.ServiceName, req.Method, params, caller)
	}

	target := n.serviceTarget(req)
	if target == nil {
		n.log.Info("no provider for service", "service", req.ServiceName, "method", req.Method)
		return nil, nil
	}

	var ep *endpoint.Endpoint
	if n.roles.Contains(protocol.RoleBroker) || n.roles.Contains(protocol.RoleRegistry) || target.NodeURL != "" {
		ep = n.VerifyNodeConnection(ctx, target.NodeID)
	} else {
		ep = n.brokerEndpoint(ctx)
	}
	if ep == nil {
		n.log.Info("service provider unreachable", "service", req.ServiceName, "remote", target.NodeID)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.cmdTimeout())
	defer cancel()
	reply, err := ep.SendCmd(ctx, req.ServiceName, req.Method, params)
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		n.log.Info("remote service command failed", "service", req.ServiceName, "method", req.Method, "remote", ep.RemoteID(), "error", err)
		return nil, nil
	}
	if len(reply.Payload) == 0 {
		return nil, nil
	}
	return reply.Payload, nil
}

func (n *Node) serviceTarget(req *protocol.ServiceRequest) *protocol.NodeDeclaration {
	if req.TargetNodeID != "" {
		d := n.decls.Get(req.TargetNodeID)
		if d == nil {
			n.log.Info("service target unknown", "remote", req.TargetNodeID)
			return nil
		}
		if svc, ok := d.Services[req.ServiceName]; !ok || !svc.HasCmd(req.Method) {
			n.log.Info("service target does not offer method", "remote", req.TargetNodeID, "service", req.ServiceName, "method", req.Method)
			return nil
		}
		return d
	}
	return n.decls.FindServiceProvider(req.ServiceName, req.Method, n.id)
}

// brokerEndpoint returns a connection to the first reachable broker.
func (n *Node) brokerEndpoint(ctx context.Context) *endpoint.Endpoint {
	for _, id := range n.decls.NodesWithRole(protocol.RoleBroker) {
		if id == n.id {
			continue
		}
		if ep := n.VerifyNodeConnection(ctx, id); ep != nil {
			return ep
		}
	}
	return nil
}

// handleServiceFrame serves frames addressed to an application service.
func (n *Node) handleServiceFrame(ctx context.Context, f *protocol.Frame, ep *endpoint.Endpoint) (interface{}, error) {
	return n.ServiceCommand(ctx, &protocol.ServiceRequest{
		ServiceName: f.ServiceName,
		Method:      f.Method,
		Params:      f.Params,
	}, ep)
}
