package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

func TestServiceCommandPrefersLocal(t *testing.T) {
	t.Parallel()
	var dials atomic.Int32
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer remote.Close()

	n := New(Config{NodeID: "l1", Roles: []protocol.Role{protocol.RoleBroker}})
	n.AddService(NewEchoService("l1"))
	ctx := context.Background()
	require.NoError(t, n.RegisterNode(ctx, &protocol.NodeDeclaration{
		NodeID:   "a0",
		NodeURL:  "ws" + strings.TrimPrefix(remote.URL, "http") + "/",
		Services: map[string]protocol.ServiceDecl{EchoServiceName: {ClientCmds: []string{"ping"}}},
	}, nil))

	res, err := n.ServiceCommand(ctx, &protocol.ServiceRequest{ServiceName: EchoServiceName, Method: "ping"}, nil)
	require.NoError(t, err)
	require.Equal(t, "pong from l1", res)
	require.Zero(t, dials.Load())
	require.Empty(t, n.NodeEndpointIDs())
}

func TestServiceCommandLocalErrors(t *testing.T) {
	t.Parallel()
	n := New(Config{NodeID: "l1"})
	boom := errors.New("boom")
	n.AddService(NewService("Calc").AddMethod("fail", func(context.Context, json.RawMessage, *endpoint.Endpoint) (interface{}, error) {
		return nil, boom
	}))
	ctx := context.Background()

	_, err := n.ServiceCommand(ctx, &protocol.ServiceRequest{ServiceName: "Calc", Method: "fail"}, nil)
	require.ErrorIs(t, err, boom)

	res, err := n.ServiceCommand(ctx, &protocol.ServiceRequest{ServiceName: "Calc", Method: "missing"}, nil)
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = n.LocalServiceCommand(ctx, "Calc", "missing", nil, nil)
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = n.LocalServiceCommand(ctx, "Nope", "x", nil, nil)
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = n.ServiceCommand(ctx, &protocol.ServiceRequest{ServiceName: "Nowhere", Method: "x"}, nil)
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = n.ServiceCommand(ctx, &protocol.ServiceRequest{Method: "x"}, nil)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestServiceDeclaration(t *testing.T) {
	t.Parallel()
	n := New(Config{NodeID: "l1", Zone: "eu"})
	svc := NewEchoService("l1")
	svc.Priority = 2
	n.AddService(svc)

	decl := n.Declarations().Get("l1")
	require.Equal(t, protocol.ServiceDecl{
		ClientCmds: []string{"echo", "ping"},
		Priority:   2,
		Zone:       "eu",
	}, decl.Services[EchoServiceName])
}

func TestEchoParams(t *testing.T) {
	t.Parallel()
	n := New(Config{NodeID: "l1"})
	n.AddService(NewEchoService("l1"))
	res, err := n.ServiceCommand(context.Background(), &protocol.ServiceRequest{
		ServiceName: EchoServiceName,
		Method:      "echo",
		Params:      map[string]interface{}{"a": 1},
	}, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(res.(json.RawMessage)))
}

func TestServiceCommandExplicitTarget(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t)
	p1 := env.AddNode(env.Join("p1"), func(n *Node) { n.AddService(NewEchoService("p1")) })
	env.AddNode(env.Join("p2"), func(n *Node) { n.AddService(NewEchoService("p2")) })
	env.WaitKnown(env.Registry, "p1")
	env.WaitKnown(env.Registry, "p2")
	ctx := testCtx(t)

	res, err := env.Registry.ServiceCommand(ctx, &protocol.ServiceRequest{ServiceName: EchoServiceName, Method: "ping", TargetNodeID: "p2"}, nil)
	require.NoError(t, err)
	require.Equal(t, "pong from p2", decodeString(t, res))

	// Without a hint the lowest NodeID wins.
	res, err = env.Registry.ServiceCommand(ctx, &protocol.ServiceRequest{ServiceName: EchoServiceName, Method: "ping"}, nil)
	require.NoError(t, err)
	require.Equal(t, "pong from p1", decodeString(t, res))

	res, err = env.Registry.ServiceCommand(ctx, &protocol.ServiceRequest{ServiceName: EchoServiceName, Method: "ping", TargetNodeID: "nobody"}, nil)
	require.NoError(t, err)
	require.Nil(t, res)

	// A node hosting the service answers locally.
	res, err = p1.ServiceCommand(ctx, &protocol.ServiceRequest{ServiceName: EchoServiceName, Method: "ping"}, nil)
	require.NoError(t, err)
	require.Equal(t, "pong from p1", res)
}

func TestConsumerServiceCmd(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t)
	env.AddNode(env.Join("p1"), func(n *Node) { n.AddService(NewEchoService("p1")) })
	env.WaitKnown(env.Registry, "p1")
	c := env.AddConsumer(env.Registry)

	raw, err := c.ServiceCmd(testCtx(t), EchoServiceName, "ping", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"pong from p1"`, string(raw))

	raw, err = c.ServiceCmd(testCtx(t), "Missing", "ping", nil)
	require.NoError(t, err)
	require.Empty(t, raw)
}
