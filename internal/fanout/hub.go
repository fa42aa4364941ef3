// Package fanout implements the real-time update bus: in-process
// subscriptions with per-topic batching, plus an optional Redis relay so
// multiple engine instances share one logical bus.
package fanout

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"auction-engine/internal/models"
	"auction-engine/internal/telemetry"
)

// Conn is one subscriber connection. The HTTP layer provides the concrete
// transport; the hub only needs to push frames.
type Conn interface {
	Send(msg models.BatchUpdate) error
}

// Publisher accepts update events for fanout. Both the Hub and the RedisRelay
// satisfy it, so producers do not know whether a relay is configured.
type Publisher interface {
	Publish(event models.UpdateEvent)
}

// Hub batches events per topic over a short window to bound fanout volume
// under bid storms. Publishing never blocks the caller; delivery happens on
// timer or cap-triggered flush goroutines.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[Conn]struct{}
	buffers map[string][]models.UpdateEvent
	timers  map[string]*time.Timer
	window  time.Duration
	cap     int
	closed  bool
}

// NewHub builds a hub with the given batch window and per-flush event cap.
func NewHub(window time.Duration, maxEvents int) *Hub {
	if window <= 0 {
		window = time.Second
	}
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &Hub{
		subs:    make(map[string]map[Conn]struct{}),
		buffers: make(map[string][]models.UpdateEvent),
		timers:  make(map[string]*time.Timer),
		window:  window,
		cap:     maxEvents,
	}
}

// Subscribe attaches a connection to a topic.
func (h *Hub) Subscribe(topic string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[Conn]struct{})
		h.subs[topic] = set
	}
	set[c] = struct{}{}
	telemetry.SubscribersGauge.Inc()
}

// Unsubscribe detaches a connection from a topic.
func (h *Hub) Unsubscribe(topic string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[topic]
	if !ok {
		return
	}
	if _, present := set[c]; !present {
		return
	}
	delete(set, c)
	telemetry.SubscribersGauge.Dec()
	if len(set) == 0 {
		delete(h.subs, topic)
	}
}

// ViewersCount reports how many connections are subscribed to a topic.
func (h *Hub) ViewersCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Publish appends an event to its topic buffer. The buffer is flushed when it
// reaches the cap or when the batch window expires, whichever comes first.
func (h *Hub) Publish(event models.UpdateEvent) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	topic := event.Topic
	h.buffers[topic] = append(h.buffers[topic], event)

	if len(h.buffers[topic]) >= h.cap {
		batch, conns := h.takeLocked(topic)
		h.mu.Unlock()
		go h.deliver(topic, batch, conns)
		return
	}

	if _, running := h.timers[topic]; !running {
		h.timers[topic] = time.AfterFunc(h.window, func() { h.flush(topic) })
	}
	h.mu.Unlock()
}

// Flush forces delivery of any buffered events for a topic.
func (h *Hub) Flush(topic string) {
	h.flush(topic)
}

func (h *Hub) flush(topic string) {
	h.mu.Lock()
	batch, conns := h.takeLocked(topic)
	h.mu.Unlock()
	h.deliver(topic, batch, conns)
}

// takeLocked snapshots and clears the topic buffer and cancels its timer.
// Callers must hold h.mu.
func (h *Hub) takeLocked(topic string) ([]models.UpdateEvent, []Conn) {
	batch := h.buffers[topic]
	delete(h.buffers, topic)
	if t, ok := h.timers[topic]; ok {
		t.Stop()
		delete(h.timers, topic)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	conns := make([]Conn, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		conns = append(conns, c)
	}
	return batch, conns
}

func (h *Hub) deliver(topic string, batch []models.UpdateEvent, conns []Conn) {
	if len(batch) == 0 {
		return
	}
	telemetry.FanoutBatches.Inc()
	telemetry.FanoutEvents.Add(float64(len(batch)))

	msg := models.NewBatchUpdate(topic, batch)
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			// A dead connection drops its remaining frames; the subscriber
			// re-subscribes on reconnect.
			h.Unsubscribe(topic, c)
			log.WithFields(log.Fields{
				"topic": topic,
				"error": err.Error(),
			}).Warn("fanout: dropping subscriber after failed send")
		}
	}
}

// Close flushes nothing and stops accepting events and subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for topic, t := range h.timers {
		t.Stop()
		delete(h.timers, topic)
	}
	h.buffers = make(map[string][]models.UpdateEvent)
}
