// Package board ties one board's store, feed subscription and move engine together
// behind an explicit Open/Close lifecycle.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-pipeline/domain"
	"prism-pipeline/feed"
	"prism-pipeline/ingest"
	"prism-pipeline/move"
	"prism-pipeline/retry"
	"prism-pipeline/store"
	"prism-pipeline/view"
)

var ErrClosed = errors.New("board closed")

// Deps are the collaborators a board needs.
type Deps struct {
	BoardID string
	Source  feed.Source
	Writer  move.Writer
	// Backfill, when set, is imported through Writer, which must then implement
	// ingest.Importer, and paged into the store before the feed is subscribed.
	Backfill ingest.Pager
	// Statuses narrows the feed to some columns; empty means all.
	Statuses     []string
	WriteTimeout time.Duration
	Logger       *log.Logger
}

type Board struct {
	id     string
	cfg    domain.BoardConfig
	store  *store.Store
	engine *move.Engine
	feed   *feed.Channel
	filter feed.Filter
	logger *log.Logger

	mu     sync.Mutex
	sub    *feed.Subscription
	closed bool
}

// Open builds the board state and subscribes it to the remote feed.
func Open(ctx context.Context, cfg domain.BoardConfig, deps Deps) (*Board, error) {
	if deps.Source == nil || deps.Writer == nil {
		return nil, errors.New("board needs a feed source and a writer")
	}
	var importer ingest.Importer
	if deps.Backfill != nil {
		var ok bool
		if importer, ok = deps.Writer.(ingest.Importer); !ok {
			return nil, errors.New("board writer cannot import backfilled items")
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	st := store.New(cfg, logger)
	engine := move.New(st, deps.Writer, logger)
	if deps.WriteTimeout > 0 {
		engine.WriteTimeout = deps.WriteTimeout
	}
	b := &Board{
		id:     deps.BoardID,
		cfg:    cfg,
		store:  st,
		engine: engine,
		feed:   feed.NewChannel(deps.Source, st, logger),
		filter: feed.Filter{BoardID: deps.BoardID, Statuses: deps.Statuses},
		logger: logger,
	}

	if deps.Backfill != nil {
		p := retry.ReadPolicy()
		p.Logger = logger
		p.Name = "ingest.backfill"
		stats, err := ingest.Backfill(ctx, deps.Backfill, st, importer, p)
		if err != nil {
			st.Clear()
			return nil, fmt.Errorf("backfill board %s: %w", deps.BoardID, err)
		}
		logger.WithFields(log.Fields{
			"board":    deps.BoardID,
			"pages":    stats.Pages,
			"imported": stats.Imported,
			"accepted": stats.Accepted,
			"ignored":  stats.Ignored,
			"rejected": stats.Rejected,
		}).Info("board backfill complete")
	}

	sub, err := b.feed.Subscribe(ctx, b.filter)
	if err != nil {
		st.Clear()
		return nil, fmt.Errorf("subscribe board %s: %w", deps.BoardID, err)
	}
	b.sub = sub
	return b, nil
}

func (b *Board) ID() string                 { return b.id }
func (b *Board) Config() domain.BoardConfig { return b.cfg }
func (b *Board) Store() *store.Store        { return b.store }

// View projects the current state onto the board's columns.
func (b *Board) View() view.View {
	return view.Project(b.cfg, b.store.Snapshot())
}

// OnChange forwards store notifications. Listeners must not call Close or Reconnect.
func (b *Board) OnChange(l store.Listener) func() {
	return b.store.OnChange(l)
}

// Err yields the current subscription's terminal error.
func (b *Board) Err() <-chan error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return b.sub.Err()
}

// Reconnect replaces the feed subscription, typically after Err delivered a value.
// The store keeps its state; the new snapshot reconciles it.
func (b *Board) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.sub != nil {
		b.sub.Cancel()
		b.sub = nil
	}
	sub, err := b.feed.Subscribe(ctx, b.filter)
	if err != nil {
		return fmt.Errorf("resubscribe board %s: %w", b.id, err)
	}
	b.sub = sub
	return nil
}

func (b *Board) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Board) Move(ctx context.Context, itemID, column string) (move.Outcome, error) {
	if b.isClosed() {
		return move.Outcome{Result: move.ResultRejected}, ErrClosed
	}
	return b.engine.RequestMove(ctx, itemID, column)
}

func (b *Board) Create(ctx context.Context, column string, payload []byte) (move.Outcome, error) {
	if b.isClosed() {
		return move.Outcome{Result: move.ResultRejected}, ErrClosed
	}
	return b.engine.CreateItem(ctx, column, payload)
}

// Close detaches the feed and clears the store. Safe to call more than once.
func (b *Board) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
	b.store.Clear()
	return nil
}
