package node

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// A stream added after Start is announced to the registry, which relays it
// to a consumer that subscribed globally beforehand.
func TestRuntimeStreamAnnounced(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t)
	r := env.Registry
	c := env.AddConsumer(r)

	got := make(chan string, 4)
	_, err := c.Subscribe(testCtx(t), "News", protocol.ScopeGlobal, nil, func(raw json.RawMessage) {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			got <- s
		}
	})
	require.NoError(t, err)

	p := env.AddNode(env.Join("p1"))
	env.WaitKnown(r, "p1")
	require.Eventually(t, func() bool { return p.NodeEndpoint("r1") != nil }, waitFor, tick)
	require.False(t, r.Declarations().Get("p1").HasStream("News"))

	p.AddStream("News", "desc")
	require.Eventually(t, func() bool { return r.Declarations().Get("p1").HasStream("News") }, waitFor, tick)
	require.Eventually(t, func() bool { return len(p.Topics().GetTopic("News").Subscribers()) == 1 }, waitFor, tick)

	p.SendToTopic("News", "late")
	select {
	case s := <-got:
		require.Equal(t, "late", s)
	case <-time.After(waitFor):
		t.Fatal("message from runtime stream never arrived")
	}
}

// holdServer accepts WebSocket connections and reads until they close.
func holdServer(t *testing.T) string {
	t.Helper()
	up := endpoint.Upgrader(func(*http.Request) bool { return true })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// A relay whose downstream can no longer be written releases its binding and
// unsubscribes upstream on the next message, without any close handler.
func TestRelayReleasedOnDownstreamSendFailure(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t)
	r := env.Registry
	pub := env.AddNode(env.Join("pub1"), func(n *Node) { n.AddStream("News", "desc") })
	env.WaitKnown(r, "pub1")
	ctx := testCtx(t)

	down, err := endpoint.Dial(ctx, holdServer(t), endpoint.Options{})
	require.NoError(t, err)
	down.Start()
	defer down.Close()

	require.NoError(t, r.Subscribe(ctx, down, &protocol.SubscribeParams{
		TopicName:   "News",
		StreamToken: "origin",
		Scope:       protocol.ScopeGlobal,
	}))
	require.Len(t, r.Relays(), 1)
	require.Eventually(t, func() bool { return len(pub.Topics().GetTopic("News").Subscribers()) == 1 }, waitFor, tick)

	down.Close()
	pub.SendToTopic("News", "x")

	require.Eventually(t, func() bool { return len(r.Relays()) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(pub.Topics().GetTopic("News").Subscribers()) == 0 }, waitFor, tick)
}

// A dropped outbound peer connection is dialed again from the declaration
// held before the drop.
func TestOutboundPeerRedialed(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t)
	r := env.Registry
	p := env.AddNode(env.Config("p1"), pingOnly)
	ctx := testCtx(t)
	require.NoError(t, r.RegisterNode(ctx, p.Declaration(), nil))

	old := r.VerifyNodeConnection(ctx, "p1")
	require.NotNil(t, old)
	require.True(t, old.Outbound())
	require.Eventually(t, func() bool { return p.NodeEndpoint("r1") != nil }, waitFor, tick)

	p.NodeEndpoint("r1").Close()
	require.Eventually(t, func() bool {
		ep := r.NodeEndpoint("p1")
		return ep != nil && ep != old && ep.ReadyState() == endpoint.Open
	}, waitFor, tick)
	require.True(t, r.Declarations().Has("p1"))
}

// A caller that gives up does not take down a concurrent caller sharing the
// same connection attempt.
func TestVerifyOutlivesCancelledCaller(t *testing.T) {
	t.Parallel()
	env := NewTestEnv(t)
	r := env.Registry
	r2 := env.AddNode(env.Join("r2", protocol.RoleRegistry))
	env.WaitKnown(r, "r2")
	require.Eventually(t, func() bool { return r2.NodeEndpoint("r1") != nil }, waitFor, tick)

	cfg := env.Config("p1")
	cfg.ListenAddr = ""
	cfg.RegistryURLs = []string{r2.URL()}
	env.AddNode(cfg, pingOnly)
	env.WaitKnown(r2, "p1")
	env.WaitKnown(r, "p1")

	short, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.VerifyNodeConnection(short, "p1")
	}()
	time.Sleep(time.Millisecond)
	ep := r.VerifyNodeConnection(testCtx(t), "p1")
	wg.Wait()

	require.NotNil(t, ep)
	require.Equal(t, "p1", ep.RemoteID())
}

func TestGoTaskAfterShutdown(t *testing.T) {
	t.Parallel()
	n := New(Config{NodeID: "n1"})
	var ran atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.goTask(func(ctx context.Context) {
				ran.Add(1)
				<-ctx.Done()
			})
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))
	wg.Wait()

	before := ran.Load()
	n.goTask(func(context.Context) { ran.Add(1) })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, before, ran.Load())
}
