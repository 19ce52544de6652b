package protocol

import "fmt"

// HelloKind distinguishes the two hello payload shapes.
type HelloKind string

const (
	HelloPeer     HelloKind = "peer"
	HelloConsumer HelloKind = "consumer"
)

// ConsumerHello identifies a client-only connection.
type ConsumerHello struct {
	UserAgent string `json:"userAgent"`
	User      string `json:"user,omitempty"`
}

// Hello is the first command sent on a new connection. The sender decides
// the kind; exactly one of Declaration or Consumer is set.
type Hello struct {
	Kind        HelloKind        `json:"kind"`
	Version     uint8            `json:"version"`
	MeshKey     string           `json:"meshKey,omitempty"`
	Declaration *NodeDeclaration `json:"declaration,omitempty"`
	Consumer    *ConsumerHello   `json:"consumer,omitempty"`
}

// PeerHello builds a hello for a mesh node.
func PeerHello(decl *NodeDeclaration, meshKey string) *Hello {
	return &Hello{Kind: HelloPeer, Version: Version, MeshKey: meshKey, Declaration: decl}
}

// NewConsumerHello builds a hello for a consumer client.
func NewConsumerHello(userAgent, user, meshKey string) *Hello {
	return &Hello{
		Kind:     HelloConsumer,
		Version:  Version,
		MeshKey:  meshKey,
		Consumer: &ConsumerHello{UserAgent: userAgent, User: user},
	}
}

// Validate checks that the payload matches its kind.
func (h *Hello) Validate() error {
	switch h.Kind {
	case HelloPeer:
		if h.Declaration == nil {
			return fmt.Errorf("peer hello without declaration")
		}
	case HelloConsumer:
		if h.Consumer == nil || h.Consumer.UserAgent == "" {
			return fmt.Errorf("consumer hello without userAgent")
		}
	default:
		return fmt.Errorf("unknown hello kind %q", h.Kind)
	}
	return nil
}

// HelloReply answers a hello.
type HelloReply struct {
	Declaration *NodeDeclaration `json:"declaration,omitempty"` // receiver's own declaration
	ConsumerID  string           `json:"consumerID,omitempty"`  // assigned to consumers
}

// PathCmd addresses an item in a node's object tree.
type PathCmd struct {
	Method   string                 `json:"method,omitempty"`
	PathList []string               `json:"pathList"`
	Params   map[string]interface{} `json:"params,omitempty"`
	ListOnly bool                   `json:"listOnly,omitempty"`
	AuthKey  string                 `json:"authKey,omitempty"`
}

// Forward returns a copy of the command addressing a different path.
func (c *PathCmd) Forward(path []string) *PathCmd {
	return &PathCmd{
		Method:   c.Method,
		PathList: append([]string(nil), path...),
		Params:   c.Params,
		ListOnly: c.ListOnly,
		AuthKey:  c.AuthKey,
	}
}

// Subscription scopes
const (
	ScopeLocal  = "local"
	ScopeGlobal = "global"
)

// SubscribeParams is the payload of subscribe. It is also kept per
// connection as the subscription record.
type SubscribeParams struct {
	TopicName   string                 `json:"topicName"`
	StreamToken string                 `json:"streamToken"`
	Scope       string                 `json:"scope,omitempty"`
	Filter      map[string]interface{} `json:"filter,omitempty"`
}

// UnsubscribeParams is the payload of unsubscribe.
type UnsubscribeParams struct {
	TopicName   string `json:"topicName"`
	StreamToken string `json:"streamToken"`
}

// DefaultConnectTTL bounds how many times connectToNode may be forwarded.
const DefaultConnectTTL = 3

// ConnectToNodeParams asks the target to dial the source back.
type ConnectToNodeParams struct {
	TargetNodeID string `json:"targetNodeID"`
	SourceNodeID string `json:"sourceNodeID"`
	WSTarget     string `json:"wsTarget"`
	TTL          int    `json:"ttl"`
}

// SendToTopicParams publishes to a local topic.
type SendToTopicParams struct {
	TopicName string      `json:"topicName"`
	TopicData interface{} `json:"topicData"`
}

// UnregisterParams names the node to remove.
type UnregisterParams struct {
	NodeID string `json:"NodeID"`
}

// ServiceRequest is a command addressed to an application service.
type ServiceRequest struct {
	ServiceName  string      `json:"serviceName"`
	Method       string      `json:"method"`
	Params       interface{} `json:"params,omitempty"`
	TargetNodeID string      `json:"targetNodeID,omitempty"`
}

// ClassQuery narrows the class introspection commands.
type ClassQuery struct {
	ClassName   string `json:"className,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	AuthKey     string `json:"authKey,omitempty"`
}

// TopicQuery selects a topic for history inspection.
type TopicQuery struct {
	TopicName string `json:"topicName"`
}

// Registry event actions
const (
	ActionRegister   = "registerNode"
	ActionUnregister = "unregisterNode"
)

// RegistryEvent is published on the RegistryUpdate topic.
type RegistryEvent struct {
	Action      string           `json:"action"`
	NodeID      string           `json:"nodeID"`
	Declaration *NodeDeclaration `json:"declaration,omitempty"`
}
