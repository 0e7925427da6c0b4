// Package store holds the client-side state of one board. Every write to an item goes
// through one of the Store methods so pending-move bookkeeping stays consistent.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-pipeline/domain"
)

type ChangeKind string

const (
	ChangeUpserted   ChangeKind = "upserted"
	ChangeRemoved    ChangeKind = "removed"
	ChangeOptimistic ChangeKind = "optimistic"
	ChangeConfirmed  ChangeKind = "confirmed"
	ChangeReverted   ChangeKind = "reverted"
	ChangeSuperseded ChangeKind = "superseded"
	ChangeCleared    ChangeKind = "cleared"
	ChangeReplaced   ChangeKind = "replaced"
)

// Change describes one successful mutation.
type Change struct {
	Kind   ChangeKind
	ItemID string
	Reason string
}

// Listener receives changes synchronously, after the store lock has been released.
// Listeners may read the store but should not block.
type Listener func(Change)

// UpsertResult reports what a remote delivery did to the store.
type UpsertResult struct {
	Applied bool
	// Superseded is set when the delivery overrode an in-flight optimistic move.
	Superseded *domain.PendingMutation
}

// ReplaceResult summarises a snapshot delivery.
type ReplaceResult struct {
	Applied  int
	Rejected int
	Removed  int
}

type entry struct {
	item domain.WorkflowItem
	seq  uint64
}

type Store struct {
	cfg    domain.BoardConfig
	logger *log.Logger
	now    func() time.Time

	mu          sync.Mutex
	items       map[string]*entry
	seq         uint64
	pending     map[string]domain.PendingMutation // by item id
	pendingByID map[string]string                 // pending id -> item id

	lmu          sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

// New returns an empty store for the given board. A nil logger uses the logrus standard logger.
func New(cfg domain.BoardConfig, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		items:       make(map[string]*entry),
		pending:     make(map[string]domain.PendingMutation),
		pendingByID: make(map[string]string),
		listeners:   make(map[int]Listener),
	}
}

func (s *Store) Config() domain.BoardConfig { return s.cfg }

// OnChange registers a listener and returns a func that removes it.
func (s *Store) OnChange(l Listener) func() {
	s.lmu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.lmu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *Store) emit(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.lmu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.lmu.Unlock()
	for _, c := range changes {
		for _, l := range ls {
			l(c)
		}
	}
}

func (s *Store) put(item domain.WorkflowItem) {
	if e, ok := s.items[item.ID]; ok {
		e.item = item
		return
	}
	s.seq++
	s.items[item.ID] = &entry{item: item, seq: s.seq}
}

func (s *Store) dropPending(itemID string) (domain.PendingMutation, bool) {
	pm, ok := s.pending[itemID]
	if !ok {
		return pm, false
	}
	delete(s.pending, itemID)
	delete(s.pendingByID, pm.ID)
	return pm, true
}

func (s *Store) rejectUnknownStatus(item domain.WorkflowItem) error {
	s.logger.WithFields(log.Fields{
		"item_id": item.ID,
		"status":  item.Status,
		"version": item.Version,
		"board":   s.cfg.Name,
	}).Warn("rejected item with unknown status")
	return fmt.Errorf("item %s has status %q: %w", item.ID, item.Status, domain.ErrUnknownStatus)
}

// UpsertFromRemote applies an authoritative item. Without a pending move the highest
// version wins. With one, a strictly newer version overrides the move; the same version
// is merged while keeping the optimistic status.
func (s *Store) UpsertFromRemote(item domain.WorkflowItem) (UpsertResult, error) {
	s.mu.Lock()
	res, changes, err := s.upsertLocked(item)
	s.mu.Unlock()
	if err != nil {
		return res, err
	}
	s.emit(changes...)
	return res, nil
}

func (s *Store) upsertLocked(item domain.WorkflowItem) (UpsertResult, []Change, error) {
	if item.ID == "" {
		return UpsertResult{}, nil, errors.New("remote item has no id")
	}
	if !s.cfg.HasColumn(item.Status) {
		return UpsertResult{}, nil, s.rejectUnknownStatus(item)
	}
	item = item.Clone()
	item.Dirty = false
	item.Local = false

	cur, exists := s.items[item.ID]
	if pm, pending := s.pending[item.ID]; pending {
		switch {
		case item.Version > pm.ExpectedVersion:
			s.dropPending(item.ID)
			s.put(item)
			s.logger.WithFields(log.Fields{
				"item_id":          item.ID,
				"pending_id":       pm.ID,
				"expected_version": pm.ExpectedVersion,
				"remote_version":   item.Version,
				"remote_status":    item.Status,
			}).Warn("remote update superseded pending move")
			return UpsertResult{Applied: true, Superseded: &pm},
				[]Change{{Kind: ChangeSuperseded, ItemID: item.ID, Reason: "remote version is newer"}}, nil
		case item.Version == pm.ExpectedVersion:
			item.Status = cur.item.Status
			item.Dirty = true
			if sameItem(cur.item, item) {
				return UpsertResult{}, nil, nil
			}
			s.put(item)
			return UpsertResult{Applied: true}, []Change{{Kind: ChangeUpserted, ItemID: item.ID}}, nil
		default:
			return UpsertResult{}, nil, nil
		}
	}
	if exists {
		if item.Version < cur.item.Version || sameItem(cur.item, item) {
			return UpsertResult{}, nil, nil
		}
	}
	s.put(item)
	return UpsertResult{Applied: true}, []Change{{Kind: ChangeUpserted, ItemID: item.ID}}, nil
}

func sameItem(a, b domain.WorkflowItem) bool {
	if a.ID != b.ID || a.Status != b.Status || a.Version != b.Version || a.Dirty != b.Dirty || a.Local != b.Local {
		return false
	}
	if (a.OrderHint == nil) != (b.OrderHint == nil) {
		return false
	}
	if a.OrderHint != nil && *a.OrderHint != *b.OrderHint {
		return false
	}
	return bytes.Equal(a.Payload, b.Payload)
}

// RemoveFromRemote drops an item deleted remotely, with any pending move on it.
// It reports whether the item was present.
func (s *Store) RemoveFromRemote(id string) bool {
	s.mu.Lock()
	_, ok := s.items[id]
	if ok {
		delete(s.items, id)
		s.dropPending(id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.emit(Change{Kind: ChangeRemoved, ItemID: id})
	return true
}

// ReplaceAll applies a full snapshot. Confirmed items that are absent from it and have
// no pending move are removed; locally created items are kept.
func (s *Store) ReplaceAll(items []domain.WorkflowItem) ReplaceResult {
	var res ReplaceResult
	var changes []Change
	s.mu.Lock()
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		seen[it.ID] = struct{}{}
		r, ch, err := s.upsertLocked(it)
		if err != nil {
			res.Rejected++
			continue
		}
		if r.Applied {
			res.Applied++
		}
		changes = append(changes, ch...)
	}
	for id, e := range s.items {
		if _, ok := seen[id]; ok || e.item.Local {
			continue
		}
		if _, pending := s.pending[id]; pending {
			continue
		}
		delete(s.items, id)
		res.Removed++
		changes = append(changes, Change{Kind: ChangeRemoved, ItemID: id, Reason: "absent from snapshot"})
	}
	s.mu.Unlock()
	changes = append(changes, Change{Kind: ChangeReplaced})
	s.emit(changes...)
	return res
}

// ApplyOptimistic moves an item locally and records the pending mutation. Capacity must
// already have been checked by the caller.
func (s *Store) ApplyOptimistic(itemID string, patch domain.Patch) (domain.PendingMutation, error) {
	if patch.Status == nil {
		return domain.PendingMutation{}, errors.New("patch has no status")
	}
	to := *patch.Status
	s.mu.Lock()
	e, ok := s.items[itemID]
	if !ok {
		s.mu.Unlock()
		return domain.PendingMutation{}, fmt.Errorf("item %s: %w", itemID, domain.ErrUnknownItem)
	}
	if _, pending := s.pending[itemID]; pending || e.item.Local {
		s.mu.Unlock()
		return domain.PendingMutation{}, fmt.Errorf("item %s: %w", itemID, domain.ErrAlreadyPending)
	}
	if !s.cfg.HasColumn(to) {
		s.mu.Unlock()
		return domain.PendingMutation{}, fmt.Errorf("column %q: %w", to, domain.ErrUnknownColumn)
	}
	pm := domain.PendingMutation{
		ID:              uuid.NewString(),
		ItemID:          itemID,
		FromStatus:      e.item.Status,
		ToStatus:        to,
		ExpectedVersion: e.item.Version,
		Attempt:         1,
		CreatedAt:       s.now(),
	}
	e.item.Status = to
	e.item.Dirty = true
	s.pending[itemID] = pm
	s.pendingByID[pm.ID] = itemID
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeOptimistic, ItemID: itemID})
	return pm, nil
}

// ConfirmMutation replaces the optimistic item with the server's copy. It returns
// ErrPendingNotFound when the mutation was already superseded or rejected.
func (s *Store) ConfirmMutation(pendingID string, remote domain.WorkflowItem) error {
	s.mu.Lock()
	itemID, ok := s.pendingByID[pendingID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("pending %s: %w", pendingID, domain.ErrPendingNotFound)
	}
	pm, _ := s.dropPending(itemID)
	e := s.items[itemID]
	if !s.cfg.HasColumn(remote.Status) {
		e.item.Status = pm.FromStatus
		e.item.Dirty = false
		s.mu.Unlock()
		err := s.rejectUnknownStatus(remote)
		s.emit(Change{Kind: ChangeReverted, ItemID: itemID, Reason: "confirmed item has unknown status"})
		return err
	}
	confirmed := remote.Clone()
	confirmed.ID = itemID
	confirmed.Dirty = false
	confirmed.Local = false
	if confirmed.Version < e.item.Version {
		confirmed = e.item
		confirmed.Dirty = false
	}
	e.item = confirmed
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeConfirmed, ItemID: itemID})
	return nil
}

// RecordAttempt notes that the write for a pending mutation is on its nth call.
// No change is emitted; the item itself is unchanged.
func (s *Store) RecordAttempt(pendingID string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	itemID, ok := s.pendingByID[pendingID]
	if !ok {
		return fmt.Errorf("pending %s: %w", pendingID, domain.ErrPendingNotFound)
	}
	pm := s.pending[itemID]
	if attempt > pm.Attempt {
		pm.Attempt = attempt
		s.pending[itemID] = pm
	}
	return nil
}

// RejectMutation restores the pre-move status and drops the pending mutation.
func (s *Store) RejectMutation(pendingID string, reason string) error {
	s.mu.Lock()
	itemID, ok := s.pendingByID[pendingID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("pending %s: %w", pendingID, domain.ErrPendingNotFound)
	}
	pm, _ := s.dropPending(itemID)
	e := s.items[itemID]
	e.item.Status = pm.FromStatus
	e.item.Dirty = false
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeReverted, ItemID: itemID, Reason: reason})
	return nil
}

// InsertLocal adds an unconfirmed item under a temporary id.
func (s *Store) InsertLocal(status string, payload []byte) (domain.WorkflowItem, error) {
	if !s.cfg.HasColumn(status) {
		return domain.WorkflowItem{}, fmt.Errorf("column %q: %w", status, domain.ErrUnknownColumn)
	}
	item := domain.WorkflowItem{
		ID:     "local-" + uuid.NewString(),
		Status: status,
		Local:  true,
	}
	if payload != nil {
		item.Payload = append([]byte(nil), payload...)
	}
	s.mu.Lock()
	s.put(item)
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeOptimistic, ItemID: item.ID, Reason: "create"})
	return item.Clone(), nil
}

// ConfirmLocal swaps a temporary item for its confirmed remote identity, keeping its position.
func (s *Store) ConfirmLocal(tempID string, remote domain.WorkflowItem) error {
	if !s.cfg.HasColumn(remote.Status) {
		if err := s.DiscardLocal(tempID); err != nil {
			return err
		}
		return s.rejectUnknownStatus(remote)
	}
	s.mu.Lock()
	e, ok := s.items[tempID]
	if !ok || !e.item.Local {
		s.mu.Unlock()
		return fmt.Errorf("local item %s: %w", tempID, domain.ErrUnknownItem)
	}
	delete(s.items, tempID)
	confirmed := remote.Clone()
	confirmed.Dirty = false
	confirmed.Local = false
	if cur, dup := s.items[confirmed.ID]; dup {
		// the feed delivered the new item first
		if confirmed.Version > cur.item.Version {
			cur.item = confirmed
		}
	} else {
		s.items[confirmed.ID] = &entry{item: confirmed, seq: e.seq}
	}
	s.mu.Unlock()
	s.emit(
		Change{Kind: ChangeRemoved, ItemID: tempID, Reason: "confirmed"},
		Change{Kind: ChangeConfirmed, ItemID: confirmed.ID},
	)
	return nil
}

// DiscardLocal drops a temporary item whose create failed.
func (s *Store) DiscardLocal(tempID string) error {
	s.mu.Lock()
	e, ok := s.items[tempID]
	if !ok || !e.item.Local {
		s.mu.Unlock()
		return fmt.Errorf("local item %s: %w", tempID, domain.ErrUnknownItem)
	}
	delete(s.items, tempID)
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeReverted, ItemID: tempID, Reason: "create failed"})
	return nil
}

// Clear drops all items and pending mutations. Used on board teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = make(map[string]*entry)
	s.pending = make(map[string]domain.PendingMutation)
	s.pendingByID = make(map[string]string)
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeCleared})
}

// Snapshot returns copies of all items in insertion order.
func (s *Store) Snapshot() []domain.WorkflowItem {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.items))
	for _, e := range s.items {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.WorkflowItem, len(entries))
	for i, e := range entries {
		out[i] = e.item.Clone()
	}
	s.mu.Unlock()
	return out
}

func (s *Store) Get(id string) (domain.WorkflowItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return domain.WorkflowItem{}, false
	}
	return e.item.Clone(), true
}

// CountInColumn counts items currently shown in the column, optimistic ones included.
func (s *Store) CountInColumn(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.items {
		if e.item.Status == key {
			n++
		}
	}
	return n
}

func (s *Store) Pending(itemID string) (domain.PendingMutation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.pending[itemID]
	return pm, ok
}

func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
