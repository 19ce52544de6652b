package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// pair starts a server whose accepted endpoints are prepared by setup and
// returns a dialed client endpoint plus a channel yielding the server side.
func pair(t *testing.T, setup func(*Endpoint)) (*Endpoint, <-chan *Endpoint) {
	t.Helper()
	accepted := make(chan *Endpoint, 1)
	up := Upgrader(func(*http.Request) bool { return true })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ep := New(conn, Options{})
		if setup != nil {
			setup(ep)
		}
		ep.Start()
		accepted <- ep
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, url, Options{})
	require.NoError(t, err)
	client.Start()
	t.Cleanup(func() { client.Close() })
	return client, accepted
}

func TestCommandRoundTrip(t *testing.T) {
	client, _ := pair(t, func(ep *Endpoint) {
		ep.RegisterCmd("add", func(_ context.Context, params json.RawMessage, _ *Endpoint, _ string) (interface{}, error) {
			var p struct{ A, B int }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return p.A + p.B, nil
		})
	})
	require.Equal(t, Open, client.ReadyState())
	require.True(t, client.Outbound())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := client.SendCmd(ctx, protocol.ControlService, "add", map[string]int{"A": 2, "B": 3})
	require.NoError(t, err)
	require.True(t, r.OK())
	var sum int
	require.NoError(t, r.Decode(&sum))
	require.Equal(t, 5, sum)

	r, err = client.SendCmd(ctx, "", "add", map[string]int{"A": 1, "B": 1})
	require.NoError(t, err)
	require.True(t, r.OK())
}

func TestFailureReplies(t *testing.T) {
	client, _ := pair(t, func(ep *Endpoint) {
		ep.RegisterCmd("fail", func(context.Context, json.RawMessage, *Endpoint, string) (interface{}, error) {
			return nil, errors.New("bad input")
		})
		ep.RegisterCmd("explode", func(context.Context, json.RawMessage, *Endpoint, string) (interface{}, error) {
			panic("kaboom")
		})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := client.SendCmd(ctx, "", "fail", nil)
	require.NoError(t, err)
	require.False(t, r.OK())
	require.EqualError(t, r.Err(), "remote: bad input")

	r, err = client.SendCmd(ctx, "", "missing", nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusFailure, r.Status)
	require.EqualError(t, r.Err(), "remote: "+protocol.NoMethodMessage)

	r, err = client.SendCmd(ctx, "", "explode", nil)
	require.NoError(t, err)
	require.EqualError(t, r.Err(), "remote: kaboom")

	// The endpoint survives a panicking handler.
	r, err = client.SendCmd(ctx, "", "fail", nil)
	require.NoError(t, err)
	require.False(t, r.OK())
}

func TestServiceHandler(t *testing.T) {
	client, _ := pair(t, func(ep *Endpoint) {
		ep.SetServiceHandler(func(_ context.Context, f *protocol.Frame, _ *Endpoint) (interface{}, error) {
			return f.ServiceName + "." + f.Method, nil
		})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := client.SendCmd(ctx, "Echo", "ping", nil)
	require.NoError(t, err)
	var out string
	require.NoError(t, r.Decode(&out))
	require.Equal(t, "Echo.ping", out)
}

func TestOneWayAndStreams(t *testing.T) {
	got := make(chan string, 4)
	client, accepted := pair(t, func(ep *Endpoint) {
		ep.RegisterCmd("stream", func(_ context.Context, params json.RawMessage, ep *Endpoint, _ string) (interface{}, error) {
			var token string
			if err := json.Unmarshal(params, &token); err != nil {
				return nil, err
			}
			for i := 0; i < 3; i++ {
				if err := ep.SendStream(token, protocol.StatusContinue, i); err != nil {
					return nil, err
				}
			}
			return nil, ep.SendStream(token, protocol.StatusSuccess, "done")
		})
	})
	<-accepted

	token := client.AddStreamHandler(func(f *protocol.Frame) {
		got <- string(f.Payload)
	})
	require.True(t, client.HasStreamHandler(token))
	require.NoError(t, client.SendCmdOneWay("", "stream", token))

	for _, want := range []string{"0", "1", "2", `"done"`} {
		select {
		case v := <-got:
			require.Equal(t, want, v)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	require.Eventually(t, func() bool { return !client.HasStreamHandler(token) }, time.Second, 10*time.Millisecond)
}

func TestCloseFailsPendingAndRunsHandlers(t *testing.T) {
	release := make(chan struct{})
	client, accepted := pair(t, func(ep *Endpoint) {
		ep.RegisterCmd("block", func(ctx context.Context, _ json.RawMessage, _ *Endpoint, _ string) (interface{}, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		})
	})
	server := <-accepted
	defer close(release)

	var closed atomic.Int32
	client.OnClose(func(*Endpoint) { closed.Add(1) })
	serverClosed := make(chan struct{})
	server.OnClose(func(*Endpoint) { close(serverClosed) })

	errc := make(chan error, 1)
	go func() {
		_, err := client.SendCmd(context.Background(), "", "block", nil)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending command not failed on close")
	}
	require.Equal(t, Closed, client.ReadyState())
	require.Equal(t, int32(1), closed.Load())

	select {
	case <-serverClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("server side not closed")
	}
	require.ErrorIs(t, client.SendStream("x", protocol.StatusContinue, 1), ErrClosed)
	client.Close()
	require.Equal(t, int32(1), closed.Load())
}

func TestSendCmdContextTimeout(t *testing.T) {
	client, _ := pair(t, func(ep *Endpoint) {
		ep.RegisterCmd("slow", func(ctx context.Context, _ json.RawMessage, _ *Endpoint, _ string) (interface{}, error) {
			<-ctx.Done()
			return nil, nil
		})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.SendCmd(ctx, "", "slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriptionRecords(t *testing.T) {
	client, _ := pair(t, nil)
	client.AddSubscription(protocol.SubscribeParams{TopicName: "News", StreamToken: "t1", Scope: protocol.ScopeGlobal})
	require.True(t, client.HasSubscription("t1"))
	require.Len(t, client.Subscriptions(), 1)

	p, ok := client.RemoveSubscription("t1")
	require.True(t, ok)
	require.Equal(t, "News", p.TopicName)
	_, ok = client.RemoveSubscription("t1")
	require.False(t, ok)

	client.SetRemote("n1", KindNode)
	require.Equal(t, "n1", client.RemoteID())
	require.Equal(t, "node", client.Info()["Kind"])
}
