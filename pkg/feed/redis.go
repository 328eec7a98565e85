package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ChannelPrefix namespaces the Redis pub/sub channels, one per table.
const ChannelPrefix = "tasksync:changes:"

// Channel returns the Redis channel carrying events for table.
func Channel(table string) string { return ChannelPrefix + table }

// Redis is a pub/sub feed. Several daemons can share one upstream change source by running a
// relay that publishes into Redis while each daemon subscribes here. Filtering happens client side.
type Redis struct {
	client *redis.Client
	log    *slog.Logger
	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

type redisSub struct {
	table  string
	filter Filter
	pubsub *redis.PubSub
	owner  *Redis
	once   sync.Once
}

func (s *redisSub) Topic() string { return Topic(s.table, s.filter) }

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}

// NewRedis connects to the server at redisURL (redis://[:password@]host:port/db).
func NewRedis(redisURL string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisFromClient(client, logger), nil
}

// NewRedisFromClient wraps an existing client. Close closes it.
func NewRedisFromClient(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		log:    logger.With("component", "redis_feed"),
		subs:   make(map[*redisSub]struct{}),
	}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(ev.Table), payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, Channel(table))
	// Receive blocks until the server confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}
	sub := &redisSub{table: table, filter: filter, pubsub: pubsub, owner: r}

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			ev, err := decodeRedisMessage(msg.Payload)
			if err != nil {
				r.log.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			if ev.Table != table || !filter.Matches(ev) {
				continue
			}
			h(ev)
		}
	}()
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Unsubscribe()
		}()
	}
	return sub, nil
}

func decodeRedisMessage(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	if ev.Table == "" {
		return Event{}, fmt.Errorf("event without table")
	}
	return ev, nil
}

// Close ends every subscription and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return r.client.Close()
}
