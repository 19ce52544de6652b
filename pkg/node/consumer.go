package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/TeoSlayer/drpmesh/pkg/endpoint"
	"github.com/TeoSlayer/drpmesh/pkg/logging"
	"github.com/TeoSlayer/drpmesh/pkg/pathing"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// ConsumerOptions describe a client connection.
type ConsumerOptions struct {
	UserAgent string // required by the node; default "drpmesh-consumer"
	User      string
	MeshKey   string
}

// Consumer is a client-only connection to a node. It holds no declaration
// and is never dialed back.
type Consumer struct {
	ep   *endpoint.Endpoint
	id   string
	node *protocol.NodeDeclaration
	opts ConsumerOptions
	log  *slog.Logger
}

// DialConsumer connects to the node at url and introduces itself as a
// consumer.
func DialConsumer(ctx context.Context, url string, opts ConsumerOptions) (*Consumer, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = "drpmesh-consumer"
	}
	ep, err := endpoint.Dial(ctx, url, endpoint.Options{})
	if err != nil {
		return nil, err
	}
	c := &Consumer{ep: ep, opts: opts, log: logging.Component("consumer")}
	ep.RegisterCmd(protocol.CmdPathCmd, c.cmdPathCmd)
	ep.Start()

	reply, err := c.call(ctx, protocol.CmdHello, protocol.NewConsumerHello(opts.UserAgent, opts.User, opts.MeshKey))
	if err != nil {
		ep.Close()
		return nil, err
	}
	var hr protocol.HelloReply
	if err := reply.Decode(&hr); err != nil || hr.Declaration == nil {
		ep.Close()
		return nil, fmt.Errorf("hello to %s: no declaration in reply", url)
	}
	c.id = hr.ConsumerID
	c.node = hr.Declaration
	ep.SetRemote(hr.Declaration.NodeID, endpoint.KindNode)
	c.log.Info("connected", "url", url, "consumer_id", c.id, "node_id", hr.Declaration.NodeID)
	return c, nil
}

// ID returns the consumer ID the node assigned.
func (c *Consumer) ID() string { return c.id }

// Node returns the declaration of the node this consumer is attached to.
func (c *Consumer) Node() *protocol.NodeDeclaration { return c.node.Clone() }

// Done is closed when the connection ends.
func (c *Consumer) Done() <-chan struct{} { return c.ep.Done() }

// Close disconnects.
func (c *Consumer) Close() error { return c.ep.Close() }

func (c *Consumer) call(ctx context.Context, method string, params interface{}) (*endpoint.Reply, error) {
	reply, err := c.ep.SendCmd(ctx, protocol.ControlService, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if err := reply.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return reply, nil
}

// Cmd runs a control command on the node and decodes the reply into out,
// which may be nil.
func (c *Consumer) Cmd(ctx context.Context, method string, params, out interface{}) error {
	reply, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return reply.Decode(out)
}

// GetDeclarations returns every declaration the node knows.
func (c *Consumer) GetDeclarations(ctx context.Context) (map[string]*protocol.NodeDeclaration, error) {
	var out map[string]*protocol.NodeDeclaration
	if err := c.Cmd(ctx, protocol.CmdGetDeclarations, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PathCmd resolves path on the node.
func (c *Consumer) PathCmd(ctx context.Context, path []string, listOnly bool) (interface{}, error) {
	var out interface{}
	err := c.Cmd(ctx, protocol.CmdPathCmd, &protocol.PathCmd{PathList: path, ListOnly: listOnly}, &out)
	return out, err
}

// ServiceCmd calls method on service through the node. The node answers
// null when no provider could run it.
func (c *Consumer) ServiceCmd(ctx context.Context, service, method string, params interface{}) (json.RawMessage, error) {
	reply, err := c.ep.SendCmd(ctx, service, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", service, method, err)
	}
	if err := reply.Err(); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", service, method, err)
	}
	return reply.Payload, nil
}

// SendToTopic publishes data on the node's topic.
func (c *Consumer) SendToTopic(ctx context.Context, topic string, data interface{}) error {
	return c.Cmd(ctx, protocol.CmdSendToTopic, &protocol.SendToTopicParams{TopicName: topic, TopicData: data}, nil)
}

// Subscribe asks for messages on topic. Each message's payload is passed to
// fn on the connection's reader goroutine. The returned token identifies
// the subscription for Unsubscribe.
func (c *Consumer) Subscribe(ctx context.Context, topic, scope string, filter map[string]interface{}, fn func(json.RawMessage)) (string, error) {
	token := c.ep.AddStreamHandler(func(f *protocol.Frame) { fn(f.Payload) })
	p := protocol.SubscribeParams{TopicName: topic, StreamToken: token, Scope: scope, Filter: filter}
	if err := c.Cmd(ctx, protocol.CmdSubscribe, &p, nil); err != nil {
		c.ep.DeleteStreamHandler(token)
		return "", err
	}
	c.ep.AddSubscription(p)
	return token, nil
}

// Unsubscribe cancels a subscription made with Subscribe.
func (c *Consumer) Unsubscribe(ctx context.Context, topic, token string) error {
	c.ep.DeleteStreamHandler(token)
	c.ep.RemoveSubscription(token)
	return c.Cmd(ctx, protocol.CmdUnsubscribe, &protocol.UnsubscribeParams{TopicName: topic, StreamToken: token}, nil)
}

// cmdPathCmd lets the node inspect this client.
func (c *Consumer) cmdPathCmd(ctx context.Context, params json.RawMessage, _ *endpoint.Endpoint, _ string) (interface{}, error) {
	var cmd protocol.PathCmd
	if err := decodeParams(params, &cmd); err != nil {
		return nil, err
	}
	subs, err := pathing.FromStruct(c.ep.Subscriptions())
	if err != nil {
		return nil, err
	}
	root := pathing.Container{
		"ConsumerID":    pathing.Value{V: c.id},
		"UserAgent":     pathing.Value{V: c.opts.UserAgent},
		"User":          pathing.Value{V: c.opts.User},
		"Subscriptions": subs,
	}
	return pathing.GetObjFromPath(ctx, &cmd, root)
}
