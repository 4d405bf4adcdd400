// Package realtime keeps local, time-ordered copies of table rows in sync
// with row-level change events.
//
// A Sync subscribes to a ChangeFeed before loading its initial snapshot.
// Changes that arrive while the snapshot is loading are buffered and replayed
// on top of it, so no change is lost between the two.
//
//	feed.Subscribe ──► buffer ──► load snapshot ──► replay buffer ──► apply live
//
// Inserts and updates upsert by row id, deletes remove. Rows stay ordered by
// creation time, then id.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of row change
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Change is one row-level change event. ID identifies one occurrence of a
// change: the same write seen twice shares an ID, two writes of identical
// rows do not.
type Change struct {
	ID        string          `json:"id,omitempty"`
	Table     string          `json:"table"`
	EventType EventType       `json:"eventType"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}

// record returns the row the change refers to
func (c Change) record() json.RawMessage {
	if c.EventType == EventDelete && len(c.Old) > 0 {
		return c.Old
	}
	if len(c.New) > 0 {
		return c.New
	}
	return c.Old
}

// NewChange encodes row as the new value of a change with a fresh ID
func NewChange(table string, eventType EventType, row any) (Change, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Change{}, err
	}
	change := Change{ID: uuid.NewString(), Table: table, EventType: eventType}
	if eventType == EventDelete {
		change.Old = data
	} else {
		change.New = data
	}
	return change, nil
}

// Filter restricts a subscription to rows whose column K equals V
type Filter struct {
	K string `json:"k"`
	V string `json:"v"`
}

// Matches reports whether the change's row passes the filter. A nil filter
// matches everything.
func (f *Filter) Matches(change Change) bool {
	if f == nil {
		return true
	}

	var columns map[string]json.RawMessage
	if err := json.Unmarshal(change.record(), &columns); err != nil {
		return false
	}
	raw, ok := columns[f.K]
	if !ok {
		return false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == f.V
	}
	return strings.TrimSpace(string(raw)) == f.V
}

func (f *Filter) key() string {
	if f == nil {
		return ""
	}
	return f.K + "=" + f.V
}

// ParseFilter decodes an optional {"k": ..., "v": ...} object
func ParseFilter(raw json.RawMessage) (*Filter, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var f Filter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f.K == "" {
		return nil, nil
	}
	return &f, nil
}

// Record is a row that can be kept in Rows
type Record interface {
	RowID() string
	RowCreatedTime() time.Time
}

// ChangeFeed delivers row changes for a table, optionally filtered.
// fn is called in delivery order and must not block.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table string, filter *Filter, fn func(Change)) (unsubscribe func(), err error)
}

// FeedTarget is a remote change source the Hub forwards subscriptions to
type FeedTarget interface {
	Subscribe(ctx context.Context, table string, filter *Filter, onChange func(Change)) (subID string, err error)
	Unsubscribe(subID string)
}
