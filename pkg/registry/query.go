package registry

import (
	"sort"

	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// FindServiceProvider returns the first node, in NodeID order, that
// advertises service with method among its ClientCmds. Nodes listed in
// skip are ignored. Weight, priority and zone are not considered.
func (s *Store) FindServiceProvider(service, method string, skip ...string) *protocol.NodeDeclaration {
	for _, d := range s.sorted() {
		if contains(skip, d.NodeID) {
			continue
		}
		if svc, ok := d.Services[service]; ok && svc.HasCmd(method) {
			return d
		}
	}
	return nil
}

// NodesWithStream returns the IDs of nodes advertising stream, sorted.
func (s *Store) NodesWithStream(stream string) []string {
	var ids []string
	for _, d := range s.sorted() {
		if d.HasStream(stream) {
			ids = append(ids, d.NodeID)
		}
	}
	return ids
}

// NodesWithRole returns the IDs of nodes holding role, sorted.
func (s *Store) NodesWithRole(role protocol.Role) []string {
	var ids []string
	for _, d := range s.sorted() {
		if d.HasRole(role) {
			ids = append(ids, d.NodeID)
		}
	}
	return ids
}

// StreamIndex maps every advertised stream to the nodes offering it.
func (s *Store) StreamIndex() map[string][]string {
	out := make(map[string][]string)
	for _, d := range s.sorted() {
		for name := range d.Streams {
			out[name] = append(out[name], d.NodeID)
		}
	}
	return out
}

// ServiceIndex maps every advertised service to the nodes hosting it.
func (s *Store) ServiceIndex() map[string][]string {
	out := make(map[string][]string)
	for _, d := range s.sorted() {
		for name := range d.Services {
			out[name] = append(out[name], d.NodeID)
		}
	}
	return out
}

// ServiceInstance is one node's offer of a service.
type ServiceInstance struct {
	NodeID      string   `json:"NodeID"`
	Zone        string   `json:"Zone,omitempty"`
	Weight      int      `json:"Weight"`
	Priority    int      `json:"Priority"`
	Persistence bool     `json:"Persistence"`
	ClientCmds  []string `json:"ClientCmds"`
}

// ListServiceInstances groups service offers by service name. A non-empty
// service limits the result to that service.
func (s *Store) ListServiceInstances(service string) map[string][]ServiceInstance {
	out := make(map[string][]ServiceInstance)
	for _, d := range s.sorted() {
		for name, svc := range d.Services {
			if service != "" && name != service {
				continue
			}
			zone := svc.Zone
			if zone == "" {
				zone = d.Zone
			}
			out[name] = append(out[name], ServiceInstance{
				NodeID:      d.NodeID,
				Zone:        zone,
				Weight:      svc.Weight,
				Priority:    svc.Priority,
				Persistence: svc.Persistence,
				ClientCmds:  svc.ClientCmds,
			})
		}
	}
	return out
}

// ClassInstanceRef locates one source instance of a class.
type ClassInstanceRef struct {
	NodeID     string      `json:"NodeID"`
	InstanceID string      `json:"InstanceID"`
	RecordPath []string    `json:"RecordPath,omitempty"`
	Precedence int         `json:"Precedence"`
	Definition interface{} `json:"Definition,omitempty"`
}

// ListClassInstances groups source instances by class name, ordered by
// precedence then node and instance. A non-empty className limits the result.
func (s *Store) ListClassInstances(className string) map[string][]ClassInstanceRef {
	out := make(map[string][]ClassInstanceRef)
	for _, d := range s.sorted() {
		for inst, classes := range d.SourceInstances {
			for name, ci := range classes {
				if className != "" && name != className {
					continue
				}
				out[name] = append(out[name], ClassInstanceRef{
					NodeID:     d.NodeID,
					InstanceID: inst,
					RecordPath: ci.RecordPath,
					Precedence: ci.Precedence,
					Definition: ci.Definition,
				})
			}
		}
	}
	for _, refs := range out {
		sort.SliceStable(refs, func(i, j int) bool {
			if refs[i].Precedence != refs[j].Precedence {
				return refs[i].Precedence < refs[j].Precedence
			}
			if refs[i].NodeID != refs[j].NodeID {
				return refs[i].NodeID < refs[j].NodeID
			}
			return refs[i].InstanceID < refs[j].InstanceID
		})
	}
	return out
}

// GetClassDefinitions returns one definition per class, taken from the
// instance with the lowest precedence.
func (s *Store) GetClassDefinitions() map[string]interface{} {
	out := make(map[string]interface{})
	for name, refs := range s.ListClassInstances("") {
		for _, r := range refs {
			if r.Definition != nil {
				out[name] = r.Definition
				break
			}
		}
	}
	return out
}

// ListClassInstanceDefinitions returns the definition every instance
// declares for className, keyed by instance ID.
func (s *Store) ListClassInstanceDefinitions(className string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, r := range s.ListClassInstances(className)[className] {
		out[r.InstanceID] = r.Definition
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
