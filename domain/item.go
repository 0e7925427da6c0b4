package domain

import (
	"encoding/json"
	"time"
)

// WorkflowItem represents a single card on a pipeline board.
type WorkflowItem struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	OrderHint *float64        `json:"orderHint,omitempty"`

	// Dirty is stamped on the client while an optimistic move is in flight.
	Dirty bool `json:"dirty,omitempty"`
	// Local marks an item created on this client that the remote has not confirmed yet.
	Local bool `json:"local,omitempty"`
}

// Clone returns a deep copy so callers never share payload or hint storage with the store.
func (it WorkflowItem) Clone() WorkflowItem {
	out := it
	if it.Payload != nil {
		out.Payload = append(json.RawMessage(nil), it.Payload...)
	}
	if it.OrderHint != nil {
		h := *it.OrderHint
		out.OrderHint = &h
	}
	return out
}

// Patch carries the fields a move changes. Only status is movable today.
type Patch struct {
	Status *string `json:"status,omitempty"`
}

// StatusPatch builds a patch that moves an item to status.
func StatusPatch(status string) Patch {
	return Patch{Status: &status}
}

// PendingMutation tracks an optimistic move that has not been confirmed remotely.
type PendingMutation struct {
	ID              string    `json:"id"`
	ItemID          string    `json:"itemId"`
	FromStatus      string    `json:"fromStatus"`
	ToStatus        string    `json:"toStatus"`
	ExpectedVersion int64     `json:"expectedVersion"`
	Attempt         int       `json:"attempt"`
	CreatedAt       time.Time `json:"createdAt"`
}
