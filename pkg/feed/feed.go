// Package feed implements the change feeds the sync layer subscribes to.
//
// An Event is a "something changed" signal for a table. Consumers are expected to re-fetch rather
// than patch local state from the payload, so transports are free to deliver partial records or
// synthetic resync events.
package feed

import (
	"context"
	"fmt"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	// EventResync is emitted after a transport reconnects; changes may have been missed.
	EventResync EventType = "RESYNC"
)

// Event is a row change notification.
type Event struct {
	Type      EventType              `json:"type"`
	Table     string                 `json:"table"`
	Record    map[string]interface{} `json:"record,omitempty"`
	OldRecord map[string]interface{} `json:"old_record,omitempty"`
}

// Filter scopes a subscription to rows whose Column equals Value. The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

// IsZero reports whether f matches everything.
func (f Filter) IsZero() bool { return f.Column == "" }

// String renders the filter in PostgREST syntax (org_id=eq.<id>).
func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s=eq.%s", f.Column, f.Value)
}

// Matches reports whether ev concerns a row selected by f. Resync events always match, and so do
// deletes whose old record does not carry the filtered column (replica identity default).
func (f Filter) Matches(ev Event) bool {
	if f.IsZero() || ev.Type == EventResync {
		return true
	}
	if v, ok := ev.Record[f.Column]; ok && fmt.Sprint(v) == f.Value {
		return true
	}
	if v, ok := ev.OldRecord[f.Column]; ok {
		return fmt.Sprint(v) == f.Value
	}
	return ev.Type == EventDelete
}

// Handler receives events for one subscription.
type Handler func(Event)

// Subscription is a live registration on a feed.
type Subscription interface {
	// Topic identifies the subscription (table and filter) for logs and metrics.
	Topic() string
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe() error
}

// Feed delivers change events for tables.
type Feed interface {
	Subscribe(ctx context.Context, table string, filter Filter, h Handler) (Subscription, error)
	Close() error
}

// Publisher accepts events for redistribution.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Topic formats a table/filter pair.
func Topic(table string, filter Filter) string {
	if filter.IsZero() {
		return table
	}
	return table + ":" + filter.String()
}
