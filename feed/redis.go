package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-pipeline/domain"
)

// ItemsKey is the hash holding one JSON document per item of a board.
func ItemsKey(boardID string) string { return "board:" + boardID + ":items" }

// EventsChannel is the pub/sub channel carrying a board's feed events.
func EventsChannel(boardID string) string { return "board:" + boardID + ":events" }

// DefaultHealthCheck is how long a stream may stay silent before it pings the server.
const DefaultHealthCheck = 30 * time.Second

// RedisSource serves a snapshot from the board hash followed by live pub/sub events.
// A dropped connection ends the stream with a transient error.
type RedisSource struct {
	rdb    *redis.Client
	logger *log.Logger

	HealthCheck time.Duration
}

func NewRedisSource(rdb *redis.Client, logger *log.Logger) *RedisSource {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisSource{rdb: rdb, logger: logger, HealthCheck: DefaultHealthCheck}
}

// Open subscribes before reading the snapshot so no event published in between is lost.
func (r *RedisSource) Open(ctx context.Context, f Filter) (Stream, error) {
	pubsub := r.rdb.Subscribe(ctx, EventsChannel(f.BoardID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, domain.Transient(fmt.Errorf("subscribe %s: %w", EventsChannel(f.BoardID), err))
	}
	items, err := LoadItems(ctx, r.rdb, f.BoardID)
	if err != nil {
		pubsub.Close()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &redisStream{
		events:      make(chan domain.FeedEvent, 16),
		errors:      make(chan error, 1),
		cancel:      cancel,
		pubsub:      pubsub,
		channel:     EventsChannel(f.BoardID),
		healthCheck: r.HealthCheck,
	}
	go s.run(streamCtx, r.logger, domain.FeedEvent{Type: domain.FeedSnapshot, BoardID: f.BoardID, Items: items})
	return s, nil
}

// LoadItems reads every item of a board from its hash, ordered by id.
func LoadItems(ctx context.Context, rdb *redis.Client, boardID string) ([]domain.WorkflowItem, error) {
	raw, err := rdb.HGetAll(ctx, ItemsKey(boardID)).Result()
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("load %s: %w", ItemsKey(boardID), err))
	}
	items := make([]domain.WorkflowItem, 0, len(raw))
	for id, data := range raw {
		var it domain.WorkflowItem
		if err := sonic.UnmarshalString(data, &it); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", id, err)
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

type redisStream struct {
	events      chan domain.FeedEvent
	errors      chan error
	cancel      context.CancelFunc
	pubsub      *redis.PubSub
	channel     string
	healthCheck time.Duration
	once        sync.Once
}

func (s *redisStream) Events() <-chan domain.FeedEvent { return s.events }
func (s *redisStream) Errors() <-chan error            { return s.errors }

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

// run delivers the snapshot and then every published event. Any receive failure ends
// the stream with a transient error; events published meanwhile are only recovered by
// resubscribing for a fresh snapshot.
func (s *redisStream) run(ctx context.Context, logger *log.Logger, snapshot domain.FeedEvent) {
	select {
	case s.events <- snapshot:
	case <-ctx.Done():
		return
	}
	for {
		msg, err := s.pubsub.ReceiveTimeout(ctx, s.healthCheck)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				if err = s.pubsub.Ping(ctx); err == nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
			}
			s.fail(fmt.Errorf("receive %s: %w", s.channel, err))
			return
		}
		switch m := msg.(type) {
		case *redis.Message:
			var ev domain.FeedEvent
			if err := sonic.UnmarshalString(m.Payload, &ev); err != nil {
				logger.WithError(err).WithField("channel", m.Channel).Error("unable to parse feed event")
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		case *redis.Subscription:
			if m.Kind == "unsubscribe" && m.Count == 0 {
				s.fail(fmt.Errorf("unsubscribed from %s: %w", s.channel, ErrStreamClosed))
				return
			}
		}
	}
}

func (s *redisStream) fail(err error) {
	select {
	case s.errors <- domain.Transient(err):
	default:
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
