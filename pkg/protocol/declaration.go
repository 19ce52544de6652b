package protocol

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Role is a capability a node holds in the mesh.
type Role string

const (
	RoleRegistry Role = "Registry"
	RoleBroker   Role = "Broker"
	RoleProvider Role = "Provider"
	RoleConsumer Role = "Consumer"
	RoleSidecar  Role = "Sidecar"
)

// ParseRole maps a role name onto a Role. Unknown names return false.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleRegistry, RoleBroker, RoleProvider, RoleConsumer, RoleSidecar:
		return Role(s), true
	}
	return "", false
}

// RoleSet builds a set from a list of roles.
func RoleSet(roles ...Role) mapset.Set[Role] {
	return mapset.NewSet(roles...)
}

// SortedRoles returns the set members in a stable order for the wire.
func SortedRoles(s mapset.Set[Role]) []Role {
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ServiceDecl advertises one service hosted by a node.
type ServiceDecl struct {
	ClientCmds  []string `json:"ClientCmds"`
	Persistence bool     `json:"Persistence"`
	Weight      int      `json:"Weight"`
	Zone        string   `json:"Zone,omitempty"`
	Priority    int      `json:"Priority"`
}

// HasCmd reports whether cmd is exposed by the service.
func (s ServiceDecl) HasCmd(cmd string) bool {
	for _, c := range s.ClientCmds {
		if c == cmd {
			return true
		}
	}
	return false
}

// ClassInstance describes a class of records a provider can serve.
type ClassInstance struct {
	Definition interface{} `json:"Definition,omitempty"`
	RecordPath []string    `json:"RecordPath,omitempty"`
	Precedence int         `json:"Precedence"`
}

// NodeDeclaration is the self-description a node publishes to the mesh.
type NodeDeclaration struct {
	NodeID          string                              `json:"NodeID"`
	NodeRoles       []Role                              `json:"NodeRoles"`
	NodeURL         string                              `json:"NodeURL,omitempty"`
	HostID          string                              `json:"HostID,omitempty"`
	Zone            string                              `json:"Zone,omitempty"`
	Streams         map[string]string                   `json:"Streams,omitempty"`
	Services        map[string]ServiceDecl              `json:"Services,omitempty"`
	SourceInstances map[string]map[string]ClassInstance `json:"SourceInstances,omitempty"`
}

// Roles returns the declared roles as a set.
func (d *NodeDeclaration) Roles() mapset.Set[Role] {
	return RoleSet(d.NodeRoles...)
}

// HasRole reports whether the declaration carries role r.
func (d *NodeDeclaration) HasRole(r Role) bool {
	for _, have := range d.NodeRoles {
		if have == r {
			return true
		}
	}
	return false
}

// HasStream reports whether the node advertises the stream.
func (d *NodeDeclaration) HasStream(name string) bool {
	_, ok := d.Streams[name]
	return ok
}

// Clone returns a deep copy so stored declarations never alias a sender's value.
func (d *NodeDeclaration) Clone() *NodeDeclaration {
	if d == nil {
		return nil
	}
	c := &NodeDeclaration{
		NodeID:    d.NodeID,
		NodeRoles: append([]Role(nil), d.NodeRoles...),
		NodeURL:   d.NodeURL,
		HostID:    d.HostID,
		Zone:      d.Zone,
	}
	if d.Streams != nil {
		c.Streams = make(map[string]string, len(d.Streams))
		for k, v := range d.Streams {
			c.Streams[k] = v
		}
	}
	if d.Services != nil {
		c.Services = make(map[string]ServiceDecl, len(d.Services))
		for k, v := range d.Services {
			v.ClientCmds = append([]string(nil), v.ClientCmds...)
			c.Services[k] = v
		}
	}
	if d.SourceInstances != nil {
		c.SourceInstances = make(map[string]map[string]ClassInstance, len(d.SourceInstances))
		for inst, classes := range d.SourceInstances {
			cc := make(map[string]ClassInstance, len(classes))
			for name, ci := range classes {
				ci.RecordPath = append([]string(nil), ci.RecordPath...)
				cc[name] = ci
			}
			c.SourceInstances[inst] = cc
		}
	}
	return c
}
