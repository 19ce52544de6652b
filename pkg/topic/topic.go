// Package topic is the in-process pub/sub fan-out used by every node.
package topic

import (
	"reflect"
	"sort"
	"sync"

	"github.com/TeoSlayer/drpmesh/pkg/logging"
	"github.com/TeoSlayer/drpmesh/pkg/metrics"
	"github.com/TeoSlayer/drpmesh/pkg/protocol"
)

// HistoryLength is the number of recent messages a topic retains.
const HistoryLength = 10

// Sender delivers stream frames to a subscriber's connection.
type Sender interface {
	SendStream(token string, status protocol.Status, payload interface{}) error
}

// Subscriber is one entry in a topic's subscriber list.
type Subscriber struct {
	Conn   Sender
	Token  string
	Filter map[string]interface{}
}

// matches reports whether msg passes the subscriber's filter. A filter
// only applies to object messages: every filter key must be present with
// an equal value.
func (s *Subscriber) matches(msg interface{}) bool {
	if len(s.Filter) == 0 {
		return true
	}
	obj, ok := msg.(map[string]interface{})
	if !ok {
		return true
	}
	for k, want := range s.Filter {
		if got, ok := obj[k]; !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Topic is a named channel with subscribers and a bounded history.
type Topic struct {
	Name string

	mu       sync.Mutex
	subs     []*Subscriber
	history  []interface{}
	received uint64
	sent     uint64
	metrics  *metrics.Metrics
}

func newTopic(name string, m *metrics.Metrics) *Topic {
	return &Topic{Name: name, metrics: m}
}

// Send publishes msg to every subscriber. Subscribers are visited from
// the newest to the oldest; one whose send fails is dropped from the list.
// Send never fails.
func (t *Topic) Send(msg interface{}) {
	t.mu.Lock()
	t.received++
	t.history = append(t.history, msg)
	if len(t.history) > HistoryLength {
		t.history = append(t.history[:0:0], t.history[len(t.history)-HistoryLength:]...)
	}
	subs := make([]*Subscriber, len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()
	t.metrics.TopicReceived(t.Name)

	var failed []*Subscriber
	var delivered uint64
	for i := len(subs) - 1; i >= 0; i-- {
		sub := subs[i]
		if !sub.matches(msg) {
			continue
		}
		if err := sub.Conn.SendStream(sub.Token, protocol.StatusContinue, msg); err != nil {
			logging.Component("topic").Debug("pruning subscriber", "topic", t.Name, "token", sub.Token, "error", err)
			failed = append(failed, sub)
			continue
		}
		delivered++
		t.metrics.TopicSent(t.Name)
	}

	t.mu.Lock()
	t.sent += delivered
	for _, sub := range failed {
		t.removeLocked(sub)
		t.metrics.TopicPruned(t.Name)
	}
	n := len(t.subs)
	t.mu.Unlock()
	if len(failed) > 0 {
		t.metrics.TopicSubscribers(t.Name, n)
	}
}

func (t *Topic) removeLocked(sub *Subscriber) {
	for i := len(t.subs) - 1; i >= 0; i-- {
		if t.subs[i] == sub {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *Topic) add(sub *Subscriber) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, sub)
	return len(t.subs)
}

// remove drops the last subscriber matching conn and token. It reports
// whether one was found and the remaining count.
func (t *Topic) remove(conn Sender, token string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.subs) - 1; i >= 0; i-- {
		s := t.subs[i]
		if s.Conn == conn && s.Token == token {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return true, len(t.subs)
		}
	}
	return false, len(t.subs)
}

// removeConn drops every subscriber on conn.
func (t *Topic) removeConn(conn Sender) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.subs[:0]
	removed := 0
	for _, s := range t.subs {
		if s.Conn == conn {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(t.subs); i++ {
		t.subs[i] = nil
	}
	t.subs = kept
	return removed, len(t.subs)
}

// History returns the retained messages, oldest first.
func (t *Topic) History() []interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]interface{}, len(t.history))
	copy(out, t.history)
	return out
}

// Subscribers returns a snapshot of the subscriber list in subscription order.
func (t *Topic) Subscribers() []Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Subscriber, len(t.subs))
	for i, s := range t.subs {
		out[i] = *s
	}
	return out
}

// Stats is a topic summary for inspection.
type Stats struct {
	Name          string `json:"TopicName"`
	Subscribers   int    `json:"SubscriberCount"`
	ReceivedCount uint64 `json:"ReceivedMessages"`
	SentCount     uint64 `json:"SentMessages"`
}

// Stats returns the topic's counters.
func (t *Topic) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Name: t.Name, Subscribers: len(t.subs), ReceivedCount: t.received, SentCount: t.sent}
}

// Manager owns the topics of one node.
type Manager struct {
	mu      sync.RWMutex
	topics  map[string]*Topic
	metrics *metrics.Metrics
}

// NewManager creates an empty manager. m may be nil.
func NewManager(m *metrics.Metrics) *Manager {
	return &Manager{topics: make(map[string]*Topic), metrics: m}
}

// CreateTopic returns the named topic, creating it on first use.
func (m *Manager) CreateTopic(name string) *Topic {
	m.mu.RLock()
	t, ok := m.topics[name]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.topics[name]; ok {
		return t
	}
	t = newTopic(name, m.metrics)
	m.topics[name] = t
	logging.Component("topic").Info("created topic", "topic", name)
	return t
}

// GetTopic returns the named topic or nil.
func (m *Manager) GetTopic(name string) *Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.topics[name]
}

// SubscribeToTopic appends a subscriber. Subscribing twice with the same
// token yields two entries and two deliveries per message.
func (m *Manager) SubscribeToTopic(name string, conn Sender, token string, filter map[string]interface{}) {
	t := m.CreateTopic(name)
	n := t.add(&Subscriber{Conn: conn, Token: token, Filter: filter})
	m.metrics.TopicSubscribers(name, n)
	logging.Component("topic").Debug("subscribed", "topic", name, "token", token)
}

// UnsubscribeFromTopic removes the most recent subscriber on conn with token.
func (m *Manager) UnsubscribeFromTopic(name string, conn Sender, token string) bool {
	t := m.GetTopic(name)
	if t == nil {
		return false
	}
	ok, n := t.remove(conn, token)
	if ok {
		m.metrics.TopicSubscribers(name, n)
	}
	return ok
}

// UnsubscribeFromAll removes token's subscription from every topic. An
// empty token removes every subscription held by conn.
func (m *Manager) UnsubscribeFromAll(conn Sender, token string) int {
	removed := 0
	for _, t := range m.snapshot() {
		if token == "" {
			r, n := t.removeConn(conn)
			if r > 0 {
				removed += r
				m.metrics.TopicSubscribers(t.Name, n)
			}
			continue
		}
		if ok, n := t.remove(conn, token); ok {
			removed++
			m.metrics.TopicSubscribers(t.Name, n)
		}
	}
	return removed
}

// SendToTopic publishes msg on the named topic, creating it if needed.
func (m *Manager) SendToTopic(name string, msg interface{}) {
	m.CreateTopic(name).Send(msg)
}

// Topics returns the topic names, sorted.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []*Topic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Topic, 0, len(m.topics))
	for _, t := range m.topics {
		out = append(out, t)
	}
	return out
}
