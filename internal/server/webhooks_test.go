package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"copydesk/internal/activity"
	"copydesk/internal/config"
	"copydesk/internal/db"
	"copydesk/internal/migrate"
)

func newWebhookFeed(t *testing.T) activity.Log {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return activity.Log{DB: conn}
}

func TestWebhookDispatcherDeliversAndStops(t *testing.T) {
	feed := newWebhookFeed(t)

	var delivered atomic.Int64
	received := make(chan webhookEvent, 8)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		delivered.Add(1)
		received <- evt
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := &webhookDispatcher{
		log:      feed,
		webhooks: []config.WebhookConfig{{URL: hook.URL}},
		client:   &http.Client{Timeout: time.Second},
		interval: 10 * time.Millisecond,
		cursors:  make(map[int]int64),
	}
	ctx, cancel := context.WithCancel(context.Background())
	// Pin the cursor at the current tail before any events are recorded.
	d.dispatchAll(ctx)
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()

	if _, err := feed.Record(context.Background(), "post-1", activity.TypeVersionCreated, "author-1", activity.Metadata{"version": 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	select {
	case evt := <-received:
		if evt.Type != string(activity.TypeVersionCreated) || evt.ContentID != "post-1" {
			t.Fatalf("delivered %s for %s", evt.Type, evt.ContentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery before timeout")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}

	if _, err := feed.Record(context.Background(), "post-1", activity.TypeVersionRestored, "author-1", nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := delivered.Load(); n != 1 {
		t.Fatalf("deliveries after stop = %d, want 1", n)
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("version_created") {
		t.Fatal("empty filter should match everything")
	}
	only := newEventFilter([]string{"stage_approved", " stage_rejected "})
	if !only.match("stage_approved") || !only.match("stage_rejected") {
		t.Fatal("listed types should match")
	}
	if only.match("version_created") {
		t.Fatal("unlisted type should not match")
	}
}
