package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-pipeline/domain"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		rc.Close()
		m.Close()
	})
	return rc, m
}

func TestRedisSourceSnapshotThenEvents(t *testing.T) {
	rc, m := setupRedis(t)
	ctx := context.Background()
	for _, it := range []domain.WorkflowItem{{ID: "b", Status: "TODO", Version: 2}, {ID: "a", Status: "DOING", Version: 1}} {
		data, _ := sonic.MarshalString(it)
		m.HSet(ItemsKey("b1"), it.ID, data)
	}

	st := testStore(t)
	logger, _ := test.NewNullLogger()
	ch := newTestChannel(NewRedisSource(rc, logger), st)
	sub, err := ch.Subscribe(ctx, Filter{BoardID: "b1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	waitFor(t, func() bool { return st.Len() == 2 })
	snap := st.Snapshot()
	if snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("unexpected snapshot order %#v", snap)
	}

	m.Publish(EventsChannel("b1"), "not json")
	ev, _ := sonic.MarshalString(domain.FeedEvent{Type: domain.FeedItemUpdated, BoardID: "b1", Items: []domain.WorkflowItem{{ID: "a", Status: "DONE", Version: 2}}})
	if err := rc.Publish(ctx, EventsChannel("b1"), ev).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { it, _ := st.Get("a"); return it.Status == "DONE" })
}

func TestRedisSourceUnavailableIsTransient(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: m.Addr(), MaxRetries: -1})
	defer rc.Close()
	m.Close()
	logger, _ := test.NewNullLogger()
	_, err = NewRedisSource(rc, logger).Open(context.Background(), Filter{BoardID: "b1"})
	if err == nil {
		t.Fatalf("expected error when redis is down")
	}
	if !errors.Is(err, domain.ErrTransientNetwork) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestRedisSourceReportsDroppedConnection(t *testing.T) {
	rc, m := setupRedis(t)
	ctx := context.Background()
	data, _ := sonic.MarshalString(domain.WorkflowItem{ID: "a", Status: "TODO", Version: 1})
	m.HSet(ItemsKey("b1"), "a", data)

	st := testStore(t)
	logger, _ := test.NewNullLogger()
	ch := newTestChannel(NewRedisSource(rc, logger), st)
	sub, err := ch.Subscribe(ctx, Filter{BoardID: "b1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	waitFor(t, func() bool { return st.Len() == 1 })

	m.Close()
	select {
	case err := <-sub.Err():
		if !errors.Is(err, domain.ErrTransientNetwork) {
			t.Fatalf("expected transient error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("dropped connection not reported")
	}

	if err := m.Restart(); err != nil {
		t.Fatalf("restart miniredis: %v", err)
	}
	// the change lands while nobody is listening
	data, _ = sonic.MarshalString(domain.WorkflowItem{ID: "a", Status: "DONE", Version: 2})
	m.HSet(ItemsKey("b1"), "a", data)

	again, err := ch.Subscribe(ctx, Filter{BoardID: "b1"})
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer again.Cancel()
	waitFor(t, func() bool { a, _ := st.Get("a"); return a.Status == "DONE" && a.Version == 2 })
}

func TestRedisStreamCloseIsQuiet(t *testing.T) {
	rc, _ := setupRedis(t)
	logger, _ := test.NewNullLogger()
	s, err := NewRedisSource(rc, logger).Open(context.Background(), Filter{BoardID: "b1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	<-s.Events()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-s.Errors():
		t.Fatalf("closing the stream must not report an error, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
