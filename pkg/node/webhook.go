package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/TeoSlayer/drpmesh/pkg/logging"
)

// Webhook event names.
const (
	EventNodeRegistered       = "node.registered"
	EventNodeUnregistered     = "node.unregistered"
	EventConsumerConnected    = "consumer.connected"
	EventConsumerDisconnected = "consumer.disconnected"
)

const (
	webhookQueueLen = 1024
	webhookTries    = 3
)

// WebhookEvent is the JSON body POSTed for each registry change.
type WebhookEvent struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	NodeID    string      `json:"node_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// WebhookClient posts registry events from a single sender goroutine.
// A nil client ignores every call.
type WebhookClient struct {
	url    string
	nodeID string
	client *http.Client
	log    *slog.Logger

	queue chan *WebhookEvent
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewWebhookClient returns nil when url is empty.
func NewWebhookClient(url, nodeID string) *WebhookClient {
	if url == "" {
		return nil
	}
	wc := &WebhookClient{
		url:    url,
		nodeID: nodeID,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    logging.Component("webhook").With("url", url),
		queue:  make(chan *WebhookEvent, webhookQueueLen),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go wc.run()
	return wc
}

// Emit queues an event without blocking. Events are dropped once the queue
// is full or Close has been called.
func (wc *WebhookClient) Emit(event string, data interface{}) {
	if wc == nil {
		return
	}
	ev := &WebhookEvent{
		ID:        uuid.NewString(),
		Event:     event,
		NodeID:    wc.nodeID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case <-wc.stop:
	case wc.queue <- ev:
	default:
		wc.log.Warn("queue full, dropping event", "event", event)
	}
}

// Close flushes queued events and stops the sender.
func (wc *WebhookClient) Close() {
	if wc == nil {
		return
	}
	wc.once.Do(func() { close(wc.stop) })
	<-wc.done
}

func (wc *WebhookClient) run() {
	defer close(wc.done)
	for {
		select {
		case ev := <-wc.queue:
			wc.deliver(ev)
		case <-wc.stop:
			for {
				select {
				case ev := <-wc.queue:
					wc.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (wc *WebhookClient) deliver(ev *WebhookEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		wc.log.Warn("encode event", "event", ev.Event, "error", err)
		return
	}
	_, err = backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, wc.post(ev.Event, body)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(webhookTries),
	)
	if err != nil {
		wc.log.Warn("event not delivered", "event", ev.Event, "id", ev.ID, "error", err)
	}
}

func (wc *WebhookClient) post(event string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, wc.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DRP-Event", event)
	resp, err := wc.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}
