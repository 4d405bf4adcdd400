package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/gbear605/manifold/internal/model"
)

func newTestCommentSync(t *testing.T, feed *fakeFeed, store *fakeStore, viewerID string) (*CommentSync, *[]time.Duration) {
	t.Helper()
	c, err := NewCommentSync(context.Background(), feed, store, "m1", viewerID, LoadNewerConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCommentSync: %v", err)
	}
	t.Cleanup(c.Close)

	var sleeps []time.Duration
	c.now = func() time.Time { return t0.Add(time.Hour) }
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return c, &sleeps
}

func TestCommentSync_SubscribesByContract(t *testing.T) {
	feed := &fakeFeed{}
	store := &fakeStore{rows: []model.Comment{comment("a", "m1", 0), comment("z", "m2", 0)}}
	c, _ := newTestCommentSync(t, feed, store, "")

	if len(feed.subs) != 1 {
		t.Fatalf("subs = %d, want 1", len(feed.subs))
	}
	sub := feed.subs[0]
	if sub.table != TableContractComments || sub.filter == nil || *sub.filter != (Filter{K: "contract_id", V: "m1"}) {
		t.Errorf("subscription = %s %+v", sub.table, sub.filter)
	}

	feed.emit(mustChange(t, EventInsert, comment("b", "m1", 1)))
	feed.emit(mustChange(t, EventInsert, comment("y", "m2", 1)))
	if diff := cmp.Diff([]string{"a", "b"}, ids(c.Comments())); diff != "" {
		t.Errorf("comments mismatch (-want +got):\n%s", diff)
	}
}

func TestCommentSync_LoadNewerGivesUpAfterBudget(t *testing.T) {
	store := &fakeStore{}
	c, sleeps := newTestCommentSync(t, &fakeFeed{}, store, "")

	if err := c.LoadNewer(context.Background()); err != nil {
		t.Fatalf("LoadNewer: %v", err)
	}

	if len(store.calls) != DefaultLoadNewerAttempts {
		t.Fatalf("queries = %d, want %d", len(store.calls), DefaultLoadNewerAttempts)
	}
	want := make([]time.Duration, 0, DefaultLoadNewerAttempts-1)
	for i := 1; i < DefaultLoadNewerAttempts; i++ {
		want = append(want, time.Duration(i)*100*time.Millisecond)
	}
	if diff := cmp.Diff(want, *sleeps); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
	// no rows held, so each attempt looks back from now
	if got, want := store.calls[0].after, t0.Add(time.Hour-500*time.Millisecond); !got.Equal(want) {
		t.Errorf("after = %v, want %v", got, want)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestCommentSync_LoadNewerStopsWhenFound(t *testing.T) {
	store := &fakeStore{
		rows:  []model.Comment{comment("a", "m1", 0)},
		newer: [][]model.Comment{nil, nil, {comment("b", "m1", time.Second)}},
	}
	c, sleeps := newTestCommentSync(t, &fakeFeed{}, store, "u9")

	if err := c.LoadNewer(context.Background()); err != nil {
		t.Fatalf("LoadNewer: %v", err)
	}

	if len(store.calls) != 3 {
		t.Fatalf("queries = %d, want 3", len(store.calls))
	}
	if diff := cmp.Diff([]time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *sleeps); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
	for _, call := range store.calls {
		if !call.after.Equal(t0) || call.contractID != "m1" || call.viewerID != "u9" {
			t.Errorf("call = %+v, want after latest created_time for m1 as u9", call)
		}
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids(c.Rows())); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestCommentSync_LoadNewerReturnsStoreError(t *testing.T) {
	errStore := errors.New("query failed")
	store := &fakeStore{newerErr: errStore}
	c, _ := newTestCommentSync(t, &fakeFeed{}, store, "")

	if err := c.LoadNewer(context.Background()); !errors.Is(err, errStore) {
		t.Fatalf("err = %v, want %v", err, errStore)
	}
	if len(store.calls) != 1 {
		t.Errorf("queries = %d, want 1", len(store.calls))
	}
}

func TestCommentSync_LoadNewerHonorsContext(t *testing.T) {
	store := &fakeStore{}
	c, _ := newTestCommentSync(t, &fakeFeed{}, store, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.LoadNewer(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCommentSync_HiddenVisibleOnlyToAuthor(t *testing.T) {
	hidden := comment("h", "m1", 1)
	hidden.Hidden = true
	hidden.UserID = "u2"
	store := &fakeStore{rows: []model.Comment{comment("a", "m1", 0), hidden}}

	anon, _ := newTestCommentSync(t, &fakeFeed{}, store, "")
	if diff := cmp.Diff([]string{"a"}, ids(anon.Comments())); diff != "" {
		t.Errorf("anonymous view mismatch (-want +got):\n%s", diff)
	}

	author, _ := newTestCommentSync(t, &fakeFeed{}, store, "u2")
	if diff := cmp.Diff([]string{"a", "h"}, ids(author.Comments())); diff != "" {
		t.Errorf("author view mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRecentComments(t *testing.T) {
	feed := &fakeFeed{}
	store := &fakeStore{rows: []model.Comment{
		comment("a", "m1", 0), comment("b", "m2", 1), comment("c", "m3", 2),
	}}

	s, err := NewRecentComments(context.Background(), feed, store, 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRecentComments: %v", err)
	}
	defer s.Close()

	if store.recentArg != 2 {
		t.Errorf("limit = %d, want 2", store.recentArg)
	}
	if feed.subs[0].filter != nil {
		t.Errorf("filter = %+v, want nil", feed.subs[0].filter)
	}

	feed.emit(mustChange(t, EventInsert, comment("d", "m9", 3)))
	if diff := cmp.Diff([]string{"b", "c", "d"}, ids(s.Rows())); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}
