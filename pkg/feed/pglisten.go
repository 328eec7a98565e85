package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel is the LISTEN channel the schema's change trigger notifies on.
const NotifyChannel = "task_sync_changes"

// PGListener turns Postgres NOTIFY payloads into events. A single pq.Listener connection feeds an
// internal Broker; reconnects broadcast a resync event because notifications sent while
// disconnected are lost.
type PGListener struct {
	listener *pq.Listener
	broker   *Broker
	log      *slog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewPGListener connects a listener to dsn and starts pumping notifications.
func NewPGListener(dsn string, logger *slog.Logger) (*PGListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &PGListener{
		broker: NewBroker(),
		log:    logger.With("component", "pglisten"),
		stop:   make(chan struct{}),
	}
	l.listener = pq.NewListener(dsn, 2*time.Second, time.Minute, l.onConnEvent)
	if err := l.listener.Listen(NotifyChannel); err != nil {
		l.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	l.wg.Add(1)
	go l.pump()
	return l, nil
}

func (l *PGListener) onConnEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		l.log.Warn("listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		l.log.Info("listener reconnected")
		l.broker.Broadcast(Event{Type: EventResync})
	case pq.ListenerEventConnectionAttemptFailed:
		l.log.Warn("listener reconnect attempt failed", "error", err)
	}
}

func (l *PGListener) pump() {
	defer l.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// nil notification after a reconnect; handled by onConnEvent
				continue
			}
			ev, err := DecodeNotification([]byte(n.Extra))
			if err != nil {
				l.log.Warn("dropping malformed notification", "error", err)
				continue
			}
			_ = l.broker.Publish(context.Background(), ev)
		case <-ping.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.log.Debug("listener ping failed", "error", err)
				}
			}()
		case <-l.stop:
			return
		}
	}
}

// DecodeNotification parses the JSON payload written by the notify trigger:
// {"table": "...", "type": "INSERT|UPDATE|DELETE", "record": {...}, "old_record": {...}}.
func DecodeNotification(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	if ev.Table == "" {
		return Event{}, fmt.Errorf("notification without table")
	}
	switch ev.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("unknown notification type %q", ev.Type)
	}
	return ev, nil
}

func (l *PGListener) Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error) {
	return l.broker.Subscribe(ctx, table, filter, h)
}

// Close stops the pump and closes the listener connection.
func (l *PGListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		err = l.listener.Close()
		l.wg.Wait()
		l.broker.Close()
	})
	return err
}
