package node

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

// TestEnv runs a registry node on a loopback port with short dial and
// reconnect timings. Nodes and consumers added to it are shut down by
// t.Cleanup.
type TestEnv struct {
	t *testing.T

	Registry *Node

	nodes     []*Node
	consumers []*Consumer
}

// NewTestEnv starts a Registry+Broker node with ID "r1".
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	env := &TestEnv{t: t}
	env.Registry = env.AddNode(env.Config("r1", protocol.RoleRegistry, protocol.RoleBroker))
	t.Cleanup(env.Close)
	return env
}

// Config returns a listening config with fast timings for id.
func (env *TestEnv) Config(id string, roles ...protocol.Role) Config {
	return Config{
		NodeID:           id,
		Roles:            roles,
		ListenAddr:       "127.0.0.1:0",
		DialPollAttempts: 50,
		DialPollInterval: 50 * time.Millisecond,
		CmdTimeout:       5 * time.Second,
		ReconnectDelay:   50 * time.Millisecond,
		ReconnectBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) },
	}
}

// Join returns a config for id that holds a registry link to the env's
// registry.
func (env *TestEnv) Join(id string, roles ...protocol.Role) Config {
	cfg := env.Config(id, roles...)
	cfg.RegistryURLs = []string{env.Registry.URL()}
	return cfg
}

// AddNode creates a node, runs setup on it and starts it.
func (env *TestEnv) AddNode(cfg Config, setup ...func(*Node)) *Node {
	env.t.Helper()
	n := New(cfg)
	for _, fn := range setup {
		fn(n)
	}
	if err := n.Start(); err != nil {
		env.t.Fatalf("node %s start: %v", cfg.NodeID, err)
	}
	env.nodes = append(env.nodes, n)
	return n
}

// AddConsumer connects a consumer to n.
func (env *TestEnv) AddConsumer(n *Node) *Consumer {
	env.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := DialConsumer(ctx, n.URL(), ConsumerOptions{UserAgent: "node-test"})
	if err != nil {
		env.t.Fatalf("consumer dial %s: %v", n.ID(), err)
	}
	env.consumers = append(env.consumers, c)
	return c
}

// WaitKnown blocks until n has a declaration for id.
func (env *TestEnv) WaitKnown(n *Node, id string) {
	env.t.Helper()
	require.Eventually(env.t, func() bool { return n.Declarations().Has(id) },
		waitFor, tick, "%s never learned about %s", n.ID(), id)
}

// Close stops consumers and nodes in reverse order.
func (env *TestEnv) Close() {
	for _, c := range env.consumers {
		c.Close()
	}
	for i := len(env.nodes) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		env.nodes[i].Shutdown(ctx)
		cancel()
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func decodeString(t *testing.T, v interface{}) string {
	t.Helper()
	raw, ok := v.(json.RawMessage)
	require.True(t, ok, "expected raw JSON, got %T", v)
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}
