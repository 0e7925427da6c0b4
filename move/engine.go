// Package move turns a user's intent to move an item into an optimistic local change
// followed by a version-guarded remote write.
package move

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-pipeline/domain"
	"prism-pipeline/retry"
	"prism-pipeline/store"
)

const (
	tracerName          = "prism-pipeline/move"
	DefaultWriteTimeout = 10 * time.Second
)

// Writer is the remote write API. Update must fail with a *domain.ConflictError whenever
// expectedVersion is stale.
type Writer interface {
	Update(ctx context.Context, id string, patch domain.Patch, expectedVersion int64) (domain.WorkflowItem, error)
	Create(ctx context.Context, item domain.WorkflowItem) (domain.WorkflowItem, error)
}

type Result string

const (
	ResultMoved      Result = "moved"
	ResultUnchanged  Result = "unchanged"
	ResultConflict   Result = "conflict"
	ResultFailed     Result = "failed"
	ResultSuperseded Result = "superseded"
	ResultCancelled  Result = "cancelled"
	ResultRejected   Result = "rejected"
	ResultCreated    Result = "created"
)

// Outcome reports how a move ended and the item as the store holds it afterwards.
type Outcome struct {
	Result Result              `json:"result"`
	Item   domain.WorkflowItem `json:"item"`
}

type Engine struct {
	store  *store.Store
	writer Writer
	logger *log.Logger
	tracer trace.Tracer

	// Policy governs retries of transient write failures.
	Policy retry.Policy
	// WriteTimeout bounds each write attempt.
	WriteTimeout time.Duration

	// serializes the capacity check with the optimistic apply
	mu sync.Mutex
}

func New(st *store.Store, writer Writer, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	p := retry.WritePolicy()
	p.Logger = logger
	p.Name = "move.write"
	return &Engine{
		store:        st,
		writer:       writer,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		Policy:       p,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// RequestMove moves itemID into the target column. Validation failures (unknown item or
// column, full column, move already pending) return before the store is touched. Once the
// optimistic change is applied it always ends confirmed, reverted or superseded.
//
// Capacity is checked against this client's view of the board only. Concurrent writers on
// other clients can still push a column past its limit until the next snapshot.
func (e *Engine) RequestMove(ctx context.Context, itemID, target string) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "board.move", trace.WithAttributes(
		attribute.String("board.item_id", itemID),
		attribute.String("board.target_column", target),
	))
	defer span.End()
	m := newMoveMetrics(e.logger, itemID, target)

	out, err := e.requestMove(ctx, m, itemID, target)

	m.SetResult(out.Result)
	span.SetAttributes(
		attribute.String("board.move_result", string(out.Result)),
		attribute.Int("board.write_attempts", m.attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.Log(err)
	return out, err
}

func (e *Engine) requestMove(ctx context.Context, m *moveMetrics, itemID, target string) (Outcome, error) {
	pm, item, err := e.prepare(itemID, target)
	if err != nil {
		return Outcome{Result: ResultRejected, Item: item}, err
	}
	if pm == nil {
		return Outcome{Result: ResultUnchanged, Item: item}, nil
	}
	m.SetFrom(pm.FromStatus)

	writeStart := time.Now()
	remote, err := retry.Do(ctx, e.Policy, func(ctx context.Context) (domain.WorkflowItem, error) {
		m.attempts++
		if m.attempts > 1 {
			// a superseded mutation still gets its write; the outcome sorts it out
			_ = e.store.RecordAttempt(pm.ID, m.attempts)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, e.writeTimeout())
		defer cancel()
		return e.writer.Update(attemptCtx, itemID, domain.StatusPatch(target), pm.ExpectedVersion)
	}, retry.Classify)
	m.ObserveWrite(time.Since(writeStart))

	if err != nil {
		return e.revert(ctx, pm, m.attempts, err)
	}
	if err := e.store.ConfirmMutation(pm.ID, remote); err != nil {
		if errors.Is(err, domain.ErrPendingNotFound) {
			cur, _ := e.store.Get(itemID)
			if cur.Version == remote.Version && cur.Status == remote.Status {
				// the feed delivered our own write before the response did
				return Outcome{Result: ResultMoved, Item: cur}, nil
			}
			return Outcome{Result: ResultSuperseded, Item: cur}, nil
		}
		cur, _ := e.store.Get(itemID)
		return Outcome{Result: ResultFailed, Item: cur}, err
	}
	cur, _ := e.store.Get(itemID)
	return Outcome{Result: ResultMoved, Item: cur}, nil
}

// prepare validates the move and applies it optimistically. A nil mutation means the
// item is already in the target column.
func (e *Engine) prepare(itemID, target string) (*domain.PendingMutation, domain.WorkflowItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, ok := e.store.Get(itemID)
	if !ok {
		return nil, item, fmt.Errorf("item %s: %w", itemID, domain.ErrUnknownItem)
	}
	col, ok := e.store.Config().Column(target)
	if !ok {
		return nil, item, fmt.Errorf("column %q: %w", target, domain.ErrUnknownColumn)
	}
	if item.Status == target {
		return nil, item, nil
	}
	if _, pending := e.store.Pending(itemID); pending {
		return nil, item, fmt.Errorf("item %s: %w", itemID, domain.ErrAlreadyPending)
	}
	if col.AtCapacity(e.store.CountInColumn(target)) {
		return nil, item, fmt.Errorf("column %q holds %d item(s): %w", target, *col.Capacity, domain.ErrColumnFull)
	}
	pm, err := e.store.ApplyOptimistic(itemID, domain.StatusPatch(target))
	if err != nil {
		return nil, item, err
	}
	return &pm, item, nil
}

func (e *Engine) revert(ctx context.Context, pm *domain.PendingMutation, attempts int, cause error) (Outcome, error) {
	result := ResultFailed
	err := cause
	switch {
	case ctx.Err() != nil:
		result = ResultCancelled
		err = ctx.Err()
	case errors.Is(cause, domain.ErrConflict):
		result = ResultConflict
	case errors.Is(cause, domain.ErrFatal):
	default:
		err = &domain.FatalError{Attempts: attempts, Err: cause}
	}
	if rerr := e.store.RejectMutation(pm.ID, string(result)); rerr != nil {
		if errors.Is(rerr, domain.ErrPendingNotFound) {
			cur, _ := e.store.Get(pm.ItemID)
			return Outcome{Result: ResultSuperseded, Item: cur}, err
		}
		return Outcome{Result: result}, errors.Join(err, rerr)
	}
	cur, _ := e.store.Get(pm.ItemID)
	return Outcome{Result: result, Item: cur}, err
}

func (e *Engine) writeTimeout() time.Duration {
	if e.WriteTimeout > 0 {
		return e.WriteTimeout
	}
	return DefaultWriteTimeout
}

// CreateItem adds an item to a column, shown locally under a temporary id until the
// remote create confirms it.
func (e *Engine) CreateItem(ctx context.Context, status string, payload []byte) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "board.create", trace.WithAttributes(
		attribute.String("board.target_column", status),
	))
	defer span.End()

	local, err := e.insertLocal(status, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{Result: ResultRejected}, err
	}
	attempts := 0
	created, err := retry.Do(ctx, e.Policy, func(ctx context.Context) (domain.WorkflowItem, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, e.writeTimeout())
		defer cancel()
		return e.writer.Create(attemptCtx, local)
	}, retry.Classify)
	if err != nil {
		if derr := e.store.DiscardLocal(local.ID); derr != nil {
			e.logger.WithError(derr).WithField("item_id", local.ID).Warn("discard local item")
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		} else if !errors.Is(err, domain.ErrFatal) {
			err = &domain.FatalError{Attempts: attempts, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{Result: ResultFailed, Item: local}, err
	}
	if err := e.store.ConfirmLocal(local.ID, created); err != nil {
		span.RecordError(err)
		return Outcome{Result: ResultFailed, Item: created}, err
	}
	span.SetAttributes(attribute.String("board.item_id", created.ID))
	cur, ok := e.store.Get(created.ID)
	if !ok {
		cur = created
	}
	return Outcome{Result: ResultCreated, Item: cur}, nil
}

func (e *Engine) insertLocal(status string, payload []byte) (domain.WorkflowItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	col, ok := e.store.Config().Column(status)
	if !ok {
		return domain.WorkflowItem{}, fmt.Errorf("column %q: %w", status, domain.ErrUnknownColumn)
	}
	if col.AtCapacity(e.store.CountInColumn(status)) {
		return domain.WorkflowItem{}, fmt.Errorf("column %q holds %d item(s): %w", status, *col.Capacity, domain.ErrColumnFull)
	}
	return e.store.InsertLocal(status, payload)
}
