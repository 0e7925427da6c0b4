package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-pipeline/domain"
	"prism-pipeline/feed"
)

func setupRedis(t *testing.T) *redis.Client {
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
	return rc
}

func TestRedisBoardVersionGuardedUpdate(t *testing.T) {
	rc := setupRedis(t)
	ctx := context.Background()
	b := NewRedisBoard(rc, "b1")
	if err := b.Seed(ctx, domain.WorkflowItem{ID: "x", Status: "LEAD", Version: 3, Payload: []byte(`{"title":"deal"}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sub := rc.Subscribe(ctx, feed.EventsChannel("b1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got, err := b.Update(ctx, "x", domain.StatusPatch("REVIEW"), 3)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != "REVIEW" || got.Version != 4 || string(got.Payload) != `{"title":"deal"}` {
		t.Fatalf("unexpected updated item %#v", got)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var ev domain.FeedEvent
	if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != domain.FeedItemUpdated || len(ev.Items) != 1 || ev.Items[0].Version != 4 {
		t.Fatalf("unexpected event %#v", ev)
	}

	// replaying the same call must not apply twice
	for i := 0; i < 2; i++ {
		_, err = b.Update(ctx, "x", domain.StatusPatch("REVIEW"), 3)
		var ce *domain.ConflictError
		if !errors.As(err, &ce) || ce.CurrentVersion != 4 {
			t.Fatalf("expected conflict on stale version, got %v", err)
		}
	}
	items, err := b.List(ctx)
	if err != nil || len(items) != 1 || items[0].Version != 4 {
		t.Fatalf("unexpected stored items %#v %v", items, err)
	}

	if _, err := b.Update(ctx, "missing", domain.StatusPatch("REVIEW"), 1); !errors.Is(err, domain.ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestRedisBoardCreateAndDelete(t *testing.T) {
	rc := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := NewRedisBoard(rc, "b1")
	created, err := b.Create(ctx, domain.WorkflowItem{ID: "local-1", Status: "LEAD", Local: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "local-1" || created.Version != 1 || created.Local {
		t.Fatalf("unexpected created item %#v", created)
	}
	items, _ := b.List(ctx)
	if len(items) != 1 || items[0].ID != created.ID {
		t.Fatalf("created item not stored: %#v", items)
	}
	if err := b.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	items, _ = b.List(ctx)
	if len(items) != 0 {
		t.Fatalf("item not deleted: %#v", items)
	}
}

func TestRedisBoardImportKeepsNewerVersions(t *testing.T) {
	rc := setupRedis(t)
	ctx := context.Background()
	b := NewRedisBoard(rc, "b1")
	if err := b.Seed(ctx, domain.WorkflowItem{ID: "x", Status: "DONE", Version: 5}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sub := rc.Subscribe(ctx, feed.EventsChannel("b1"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n, err := b.Import(ctx, []domain.WorkflowItem{
		{ID: "x", Status: "LEAD", Version: 2},
		{ID: "y", Status: "LEAD", Version: 1},
		{ID: "y", Status: "REVIEW", Version: 3},
		{ID: "z", Status: "LEAD", Version: 1, Dirty: true},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 items written, got %d", n)
	}
	items, _ := b.List(ctx)
	byID := map[string]domain.WorkflowItem{}
	for _, it := range items {
		byID[it.ID] = it
	}
	if byID["x"].Version != 5 || byID["y"].Status != "REVIEW" || byID["y"].Version != 3 || byID["z"].Dirty {
		t.Fatalf("unexpected stored items %#v", byID)
	}
	for i := 0; i < 2; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		var ev domain.FeedEvent
		if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil || ev.Type != domain.FeedItemAdded {
			t.Fatalf("unexpected event %s %v", msg.Payload, err)
		}
	}

	if n, err := b.Import(ctx, []domain.WorkflowItem{{ID: "y", Status: "REVIEW", Version: 3}}); err != nil || n != 0 {
		t.Fatalf("re-import should be a no-op, got %d %v", n, err)
	}
}

func TestMapRedisError(t *testing.T) {
	if !errors.Is(mapRedisError(redis.TxFailedErr), domain.ErrTransientNetwork) {
		t.Fatalf("tx failure should be transient")
	}
	if !errors.Is(mapRedisError(errors.New("dial tcp: refused")), domain.ErrTransientNetwork) {
		t.Fatalf("connection failure should be transient")
	}
	if !errors.Is(mapRedisError(context.Canceled), context.Canceled) || errors.Is(mapRedisError(context.Canceled), domain.ErrTransientNetwork) {
		t.Fatalf("cancellation must pass through")
	}
	if mapRedisError(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
}
