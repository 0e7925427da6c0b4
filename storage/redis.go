package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"prism-pipeline/domain"
	"prism-pipeline/feed"
)

// RedisBoard keeps a board's items in a Redis hash and publishes every change on the
// board's event channel, which is what feed.RedisSource consumes.
type RedisBoard struct {
	rdb     *redis.Client
	boardID string
}

func NewRedisBoard(rdb *redis.Client, boardID string) *RedisBoard {
	return &RedisBoard{rdb: rdb, boardID: boardID}
}

// Update applies patch when the stored version equals expectedVersion. A stale version
// always yields a ConflictError, so replaying the same call never applies twice.
func (b *RedisBoard) Update(ctx context.Context, id string, patch domain.Patch, expectedVersion int64) (domain.WorkflowItem, error) {
	key := feed.ItemsKey(b.boardID)
	var updated domain.WorkflowItem
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, id).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("item %s: %w", id, domain.ErrUnknownItem)
		}
		if err != nil {
			return err
		}
		var cur domain.WorkflowItem
		if err := sonic.UnmarshalString(data, &cur); err != nil {
			return fmt.Errorf("decode item %s: %w", id, err)
		}
		if cur.Version != expectedVersion {
			return &domain.ConflictError{ItemID: id, ExpectedVersion: expectedVersion, CurrentVersion: cur.Version}
		}
		if patch.Status != nil {
			cur.Status = *patch.Status
		}
		cur.Version++
		cur.Dirty = false
		cur.Local = false
		encoded, err := sonic.MarshalString(cur)
		if err != nil {
			return err
		}
		ev, err := sonic.MarshalString(domain.FeedEvent{Type: domain.FeedItemUpdated, BoardID: b.boardID, Items: []domain.WorkflowItem{cur}})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, encoded)
			pipe.Publish(ctx, feed.EventsChannel(b.boardID), ev)
			return nil
		})
		if err != nil {
			return err
		}
		updated = cur
		return nil
	}
	if err := b.rdb.Watch(ctx, txf, key); err != nil {
		return domain.WorkflowItem{}, mapRedisError(err)
	}
	return updated, nil
}

// Create stores a new item under a fresh id with version 1.
func (b *RedisBoard) Create(ctx context.Context, item domain.WorkflowItem) (domain.WorkflowItem, error) {
	item = item.Clone()
	item.ID = uuid.NewString()
	item.Version = 1
	item.Dirty = false
	item.Local = false
	encoded, err := sonic.MarshalString(item)
	if err != nil {
		return domain.WorkflowItem{}, err
	}
	ev, err := sonic.MarshalString(domain.FeedEvent{Type: domain.FeedItemAdded, BoardID: b.boardID, Items: []domain.WorkflowItem{item}})
	if err != nil {
		return domain.WorkflowItem{}, err
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, feed.ItemsKey(b.boardID), item.ID, encoded)
		pipe.Publish(ctx, feed.EventsChannel(b.boardID), ev)
		return nil
	})
	if err != nil {
		return domain.WorkflowItem{}, mapRedisError(err)
	}
	return item, nil
}

// Delete removes an item and announces the removal.
func (b *RedisBoard) Delete(ctx context.Context, id string) error {
	ev, err := sonic.MarshalString(domain.FeedEvent{Type: domain.FeedItemRemoved, BoardID: b.boardID, ItemID: id})
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, feed.ItemsKey(b.boardID), id)
		pipe.Publish(ctx, feed.EventsChannel(b.boardID), ev)
		return nil
	})
	return mapRedisError(err)
}

// Import writes externally sourced items and announces each one. A stored copy with an
// equal or newer version is kept. It returns how many items were written.
func (b *RedisBoard) Import(ctx context.Context, items []domain.WorkflowItem) (int, error) {
	items = newestByID(items)
	if len(items) == 0 {
		return 0, nil
	}
	key := feed.ItemsKey(b.boardID)
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	var written int
	txf := func(tx *redis.Tx) error {
		stored, err := tx.HMGet(ctx, key, ids...).Result()
		if err != nil {
			return err
		}
		fields := make([]any, 0, len(items)*2)
		events := make([]string, 0, len(items))
		for i, it := range items {
			evType := domain.FeedItemAdded
			if raw, ok := stored[i].(string); ok {
				var cur domain.WorkflowItem
				if err := sonic.UnmarshalString(raw, &cur); err != nil {
					return fmt.Errorf("decode item %s: %w", it.ID, err)
				}
				if cur.Version >= it.Version {
					continue
				}
				evType = domain.FeedItemUpdated
			}
			it = it.Clone()
			it.Dirty = false
			it.Local = false
			encoded, err := sonic.MarshalString(it)
			if err != nil {
				return err
			}
			ev, err := sonic.MarshalString(domain.FeedEvent{Type: evType, BoardID: b.boardID, Items: []domain.WorkflowItem{it}})
			if err != nil {
				return err
			}
			fields = append(fields, it.ID, encoded)
			events = append(events, ev)
		}
		if len(events) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields...)
			for _, ev := range events {
				pipe.Publish(ctx, feed.EventsChannel(b.boardID), ev)
			}
			return nil
		})
		if err != nil {
			return err
		}
		written = len(events)
		return nil
	}
	if err := b.rdb.Watch(ctx, txf, key); err != nil {
		return 0, mapRedisError(err)
	}
	return written, nil
}

// newestByID keeps the highest version of each id, in first-seen order.
func newestByID(items []domain.WorkflowItem) []domain.WorkflowItem {
	pos := make(map[string]int, len(items))
	out := make([]domain.WorkflowItem, 0, len(items))
	for _, it := range items {
		if i, ok := pos[it.ID]; ok {
			if it.Version > out[i].Version {
				out[i] = it
			}
			continue
		}
		pos[it.ID] = len(out)
		out = append(out, it)
	}
	return out
}

// Seed writes items verbatim without publishing events.
func (b *RedisBoard) Seed(ctx context.Context, items ...domain.WorkflowItem) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]any, 0, len(items)*2)
	for _, it := range items {
		encoded, err := sonic.MarshalString(it)
		if err != nil {
			return err
		}
		values = append(values, it.ID, encoded)
	}
	return mapRedisError(b.rdb.HSet(ctx, feed.ItemsKey(b.boardID), values...).Err())
}

func (b *RedisBoard) List(ctx context.Context) ([]domain.WorkflowItem, error) {
	return feed.LoadItems(ctx, b.rdb, b.boardID)
}

func mapRedisError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrUnknownItem):
		return err
	case errors.Is(err, redis.TxFailedErr):
		// the hash changed between WATCH and EXEC; the caller re-reads on retry
		return domain.Transient(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return err
	}
	return domain.Transient(err)
}
