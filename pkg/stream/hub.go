// Package stream pushes "projection changed" messages to connected UI surfaces over websockets.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"task-sync-backend/pkg/telemetry"
)

// Topics
const (
	TopicTasks         = "tasks"
	TopicOrganizations = "organizations"
	TopicNotifications = "notifications"
	TopicSession       = "session"
)

// AllTopics is what a client gets when it does not pick topics.
var AllTopics = []string{TopicSession, TopicOrganizations, TopicTasks, TopicNotifications}

// Message is the frame sent to clients. Clients re-read the matching endpoint on receipt.
type Message struct {
	Topic   string      `json:"topic"`
	Version uint64      `json:"version,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	At      time.Time   `json:"at"`
}

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// outboxSize bounds the frames queued for one subscriber. A subscriber that falls further behind
// is disconnected and re-reads on reconnect.
const outboxSize = 32

// outbox feeds one subscriber from its own goroutine, so a slow peer never holds up the run loop.
type outbox struct {
	queue chan []byte
	done  chan struct{}
}

// Hub manages stream subscriptions by topic.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	outboxes  map[Subscriber]*outbox
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	done      chan struct{}
	once      sync.Once
}

// message couples payload with topic.
type message struct {
	topic   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topics []string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		outboxes:  make(map[Subscriber]*outbox),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan chan int),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			for _, topic := range sub.topics {
				if _, ok := h.clients[topic]; !ok {
					h.clients[topic] = make(map[Subscriber]struct{})
				}
				h.clients[topic][sub.client] = struct{}{}
			}
			h.attach(sub.client)
			telemetry.StreamClients.Set(float64(len(h.outboxes)))
		case sub := <-h.unreg:
			h.drop(sub.client)
		case msg := <-h.broadcast:
			for c := range h.clients[msg.topic] {
				select {
				case h.outboxes[c].queue <- msg.payload:
				default:
					h.drop(c)
				}
			}
		case reply := <-h.count:
			reply <- len(h.outboxes)
		case <-h.done:
			for c, o := range h.outboxes {
				close(o.done)
				c.Close()
			}
			h.clients = map[string]map[Subscriber]struct{}{}
			h.outboxes = map[Subscriber]*outbox{}
			telemetry.StreamClients.Set(0)
			return
		}
	}
}

func (h *Hub) attach(c Subscriber) {
	if _, ok := h.outboxes[c]; ok {
		return
	}
	o := &outbox{queue: make(chan []byte, outboxSize), done: make(chan struct{})}
	h.outboxes[c] = o
	go h.pump(c, o)
}

// pump writes queued frames to c until the subscriber is dropped or a write fails.
func (h *Hub) pump(c Subscriber, o *outbox) {
	for {
		select {
		case payload := <-o.queue:
			if err := c.Send(payload); err != nil {
				h.Unregister(c)
				return
			}
		case <-o.done:
			return
		}
	}
}

// drop removes c from every topic, stops its outbox and closes it.
func (h *Hub) drop(c Subscriber) {
	o, ok := h.outboxes[c]
	if !ok {
		return
	}
	for topic, clients := range h.clients {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
	delete(h.outboxes, c)
	close(o.done)
	c.Close()
	telemetry.StreamClients.Set(float64(len(h.outboxes)))
}

// Register adds a client to the given topics (all topics when none are given).
func (h *Hub) Register(client Subscriber, topics ...string) {
	if len(topics) == 0 {
		topics = AllTopics
	}
	select {
	case h.register <- subscription{topics: topics, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client from every topic and closes it.
func (h *Hub) Unregister(client Subscriber) {
	select {
	case h.unreg <- subscription{client: client}:
	case <-h.done:
	}
}

// Publish encodes msg and queues it for the topic's clients. It never blocks: when the hub queue is
// full the message is dropped, and a client whose own queue is full is disconnected.
func (h *Hub) Publish(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- message{topic: msg.Topic, payload: payload}:
	case <-h.done:
	default:
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}
