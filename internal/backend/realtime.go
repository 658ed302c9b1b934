package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EventType is the kind of row change carried by a ChangeEvent.
type EventType string

// Row change event kinds. EventAll is only valid in an EventSpec.
const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// ChannelStatus is reported by a transport while a channel is being set up or torn down.
type ChannelStatus string

// Channel statuses.
const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

// ChangeEvent is a single row change pushed by the backend.
type ChangeEvent struct {
	ID              string    `json:"id"`
	Type            EventType `json:"type"`
	Schema          string    `json:"schema"`
	Table           string    `json:"table"`
	New             Row       `json:"new,omitempty"`
	Old             Row       `json:"old,omitempty"`
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

// Record returns the row the event refers to: the new image for inserts and
// updates, the old image for deletes.
func (e ChangeEvent) Record() Row {
	if e.Type == EventDelete {
		if len(e.Old) > 0 {
			return e.Old
		}
	}
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}

// EventSpec selects the change events a channel listens to.
type EventSpec struct {
	Event  EventType `json:"event"`
	Schema string    `json:"schema"`
	Table  string    `json:"table"`
	Filter string    `json:"filter,omitempty"`
}

// Key identifies the logical subscription described by the spec.
func (s EventSpec) Key() string {
	event := s.Event
	if event == "" {
		event = EventAll
	}
	schema := s.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	return fmt.Sprintf("%s:%s:%s:%s", schema, s.Table, event, s.Filter)
}

// Matches reports whether the event satisfies the spec.
func (s EventSpec) Matches(event ChangeEvent) bool {
	if s.Table != "" && s.Table != event.Table {
		return false
	}
	if s.Schema != "" && event.Schema != "" && s.Schema != event.Schema {
		return false
	}
	if s.Event != "" && s.Event != EventAll && s.Event != event.Type {
		return false
	}
	if s.Filter == "" {
		return true
	}

	filter, err := ParseFilter(s.Filter)
	if err != nil {
		return false
	}
	return filter.Matches(event.Record())
}

// RowFilter is a parsed `column=eq.value` filter.
type RowFilter struct {
	Column string
	Value  string
}

// ParseFilter parses the `column=eq.value` filter syntax. Only equality is supported.
func ParseFilter(raw string) (RowFilter, error) {
	column, rest, ok := strings.Cut(strings.TrimSpace(raw), "=")
	if !ok || column == "" {
		return RowFilter{}, fmt.Errorf("invalid realtime filter %q", raw)
	}
	value, found := strings.CutPrefix(rest, "eq.")
	if !found {
		return RowFilter{}, fmt.Errorf("unsupported realtime filter operator in %q", raw)
	}
	return RowFilter{Column: column, Value: value}, nil
}

// Matches reports whether the row carries the filtered value.
func (f RowFilter) Matches(row Row) bool {
	return row.String(f.Column) == f.Value
}

// EqFilter renders an equality filter.
func EqFilter(column, value string) string {
	return column + "=eq." + value
}

// Subscription is an open realtime channel.
type Subscription interface {
	Unsubscribe() error
}

// Realtime opens push channels for row change events. Implementations call
// onStatus at least once with StatusSubscribed, StatusChannelError or
// StatusTimedOut, and deliver events for one channel sequentially.
type Realtime interface {
	Subscribe(ctx context.Context, channel string, spec EventSpec, onEvent func(ChangeEvent), onStatus func(ChannelStatus, error)) (Subscription, error)
}

// ChangeSink receives row changes produced by writes so they can be fanned out.
type ChangeSink interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// SubscriptionFunc adapts a function to the Subscription interface.
type SubscriptionFunc func() error

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() error {
	return f()
}
