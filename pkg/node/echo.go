package node

import (
	"context"
	"encoding/json"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
)

// EchoServiceName is the name of the built-in diagnostic service.
const EchoServiceName = "Echo"

// NewEchoService returns a service answering ping with the node's ID and
// echo with its own params.
func NewEchoService(nodeID string) *Service {
	svc := NewService(EchoServiceName)
	svc.AddMethod("ping", func(context.Context, json.RawMessage, *endpoint.Endpoint) (interface{}, error) {
		return "pong from " + nodeID, nil
	})
	svc.AddMethod("echo", func(_ context.Context, params json.RawMessage, _ *endpoint.Endpoint) (interface{}, error) {
		if len(params) == 0 {
			return nil, nil
		}
		return params, nil
	})
	return svc
}
