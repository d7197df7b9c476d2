// Package broadcast fans out order-book, trade, and balance deltas to
// subscribers keyed by channel. Delivery is best-effort: a subscriber that
// cannot keep up is dropped rather than allowed to block publication.
package broadcast

import (
	"sync"

	"go.uber.org/zap"
)

// Channel name helpers used across the engine and the websocket bridge.
func BookChannel(market string) string   { return "book:" + market }
func TradesChannel(market string) string { return "trades:" + market }
func OrdersChannel(party string) string  { return "orders:" + party }
func BalanceChannel(party string) string { return "balance:" + party }

// Message is one published delta.
type Message struct {
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

// Subscription receives messages for one channel until Close or until the
// hub drops it for falling behind. C is closed in both cases.
type Subscription struct {
	C <-chan Message

	hub     *Hub
	channel string
	ch      chan Message
	once    sync.Once
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
	log  *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
		log:  log,
	}
}

// Subscribe registers a subscriber on the channel with the given buffer.
// A buffer of zero gets a small default.
func (h *Hub) Subscribe(channel string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{C: ch, hub: h, channel: channel, ch: ch}

	h.mu.Lock()
	set, ok := h.subs[channel]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[channel] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.channel]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, sub.channel)
			}
		}
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}

// Publish delivers payload to every current subscriber of the channel.
// Within one channel, subscribers observe publishes in call order. A
// subscriber with a full buffer is dropped from the set.
func (h *Hub) Publish(channel string, payload any) {
	msg := Message{Channel: channel, Payload: payload}

	h.mu.RLock()
	var slow []*Subscription
	for sub := range h.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.log.Warnw("dropping_slow_subscriber", "channel", channel)
		h.unsubscribe(sub)
	}
}

// SubscriberCount reports the current number of subscribers on a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}
