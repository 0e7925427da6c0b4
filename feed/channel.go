// Package feed keeps a store in sync with a remote read feed.
package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"prism-pipeline/domain"
	"prism-pipeline/retry"
	"prism-pipeline/store"
)

// ErrStreamClosed is reported when the remote ends the stream without an error.
var ErrStreamClosed = errors.New("feed stream closed")

// Filter selects the items a subscription receives. Empty Statuses means all columns.
type Filter struct {
	BoardID  string
	Statuses []string
}

func (f Filter) Match(status string) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Stream is an open connection to a remote feed. Errors are terminal.
type Stream interface {
	Events() <-chan domain.FeedEvent
	Errors() <-chan error
	Close() error
}

// Source opens feed streams.
type Source interface {
	Open(ctx context.Context, f Filter) (Stream, error)
}

// Channel subscribes a store to a Source.
type Channel struct {
	source Source
	store  *store.Store
	logger *log.Logger

	// Policy governs connection attempts made by Subscribe.
	Policy retry.Policy
}

func NewChannel(source Source, st *store.Store, logger *log.Logger) *Channel {
	if logger == nil {
		logger = log.StandardLogger()
	}
	p := retry.ReadPolicy()
	p.Logger = logger
	p.Name = "feed.connect"
	return &Channel{source: source, store: st, logger: logger, Policy: p}
}

// Subscribe opens the feed and starts applying its events to the store in arrival order.
// Connection failures are retried under the channel's policy. Once open, a stream error
// ends the subscription and is reported on Err; reconnecting is left to the caller.
func (c *Channel) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	stream, err := retry.Do(ctx, c.Policy, func(ctx context.Context) (Stream, error) {
		return c.source.Open(ctx, f)
	}, retry.Classify)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		filter: f,
		store:  c.store,
		logger: c.logger.WithField("board", f.BoardID),
		stream: stream,
		cancel: cancel,
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go s.run(subCtx)
	return s, nil
}

// Subscription is a live feed attached to a store.
type Subscription struct {
	filter Filter
	store  *store.Store
	logger *log.Entry
	stream Stream
	cancel context.CancelFunc
	once   sync.Once

	mu     sync.Mutex
	closed bool

	errs chan error
	done chan struct{}

	applied  atomic.Int64
	rejected atomic.Int64
}

// Err yields the terminal error, if any, and is closed when delivery stops.
func (s *Subscription) Err() <-chan error { return s.errs }

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Applied is the number of items the store accepted from this subscription.
func (s *Subscription) Applied() int64 { return s.applied.Load() }

// Rejected is the number of items the store refused, e.g. for an unknown status.
func (s *Subscription) Rejected() int64 { return s.rejected.Load() }

// Cancel detaches the subscription and waits for delivery to stop. It is safe to call
// more than once; no event is applied after the first call returns. It must not be
// called from a store listener, since listeners run on the delivery goroutine.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		if err := s.stream.Close(); err != nil {
			s.logger.WithError(err).Debug("close feed stream")
		}
	})
	<-s.done
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.errs)
	events := s.stream.Events()
	errs := s.stream.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.fail(ctx, ErrStreamClosed)
				return
			}
			s.apply(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.fail(ctx, err)
			return
		}
	}
}

func (s *Subscription) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.logger.WithError(err).Warn("feed subscription terminated")
	s.errs <- err
}

func (s *Subscription) apply(ev domain.FeedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.filter.BoardID != "" && ev.BoardID != "" && ev.BoardID != s.filter.BoardID {
		return
	}
	switch ev.Type {
	case domain.FeedSnapshot:
		items := make([]domain.WorkflowItem, 0, len(ev.Items))
		for _, it := range ev.Items {
			if s.filter.Match(it.Status) {
				items = append(items, it)
			}
		}
		res := s.store.ReplaceAll(items)
		s.applied.Add(int64(res.Applied))
		s.rejected.Add(int64(res.Rejected))
		s.logger.WithFields(log.Fields{
			"items":    len(items),
			"applied":  res.Applied,
			"rejected": res.Rejected,
			"removed":  res.Removed,
		}).Debug("applied feed snapshot")
	case domain.FeedItemAdded, domain.FeedItemUpdated:
		for _, it := range ev.Items {
			if !s.filter.Match(it.Status) {
				// the item left the filtered set
				s.store.RemoveFromRemote(it.ID)
				continue
			}
			res, err := s.store.UpsertFromRemote(it)
			if err != nil {
				s.rejected.Add(1)
				continue
			}
			if res.Applied {
				s.applied.Add(1)
			}
		}
	case domain.FeedItemRemoved:
		id := ev.ItemID
		if id == "" && len(ev.Items) == 1 {
			id = ev.Items[0].ID
		}
		s.store.RemoveFromRemote(id)
	default:
		s.logger.WithField("type", ev.Type).Warn("ignoring unknown feed event")
	}
}
