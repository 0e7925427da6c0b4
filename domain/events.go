package domain

const (
	FeedSnapshot    = "snapshot"
	FeedItemAdded   = "item-added"
	FeedItemUpdated = "item-updated"
	FeedItemRemoved = "item-removed"
)

// FeedEvent is a delivery from the remote read feed. Snapshots carry the full item
// set matching the subscription; incremental events carry the touched items.
type FeedEvent struct {
	Type    string         `json:"type"`
	BoardID string         `json:"boardId"`
	Items   []WorkflowItem `json:"items,omitempty"`
	ItemID  string         `json:"itemId,omitempty"`
}
