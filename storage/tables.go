package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-pipeline/domain"
	"prism-pipeline/retry"
)

const edmInt64 = "Edm.Int64"

type entityClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

type messageQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// TableBoard stores a board in Azure Table Storage, one entity per item partitioned by
// board id, and guards updates with the entity ETag. Confirmed writes are announced on
// an Azure queue for downstream consumers.
type TableBoard struct {
	table   entityClient
	events  messageQueue
	boardID string
	logger  *log.Logger
}

// NewTableBoard creates a TableBoard from the given connection string.
func NewTableBoard(connStr, itemsTable, eventsQueue, boardID string, logger *log.Logger) (*TableBoard, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    2,
				TryTimeout:    10 * time.Second,
				RetryDelay:    500 * time.Millisecond,
				MaxRetryDelay: 5 * time.Second,
				// 429 is left to the caller's policy so Retry-After is honoured once
				StatusCodes: []int{408, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return newTableBoard(svc.NewClient(itemsTable), q, boardID, logger), nil
}

func newTableBoard(table entityClient, events messageQueue, boardID string, logger *log.Logger) *TableBoard {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TableBoard{table: table, events: events, boardID: boardID, logger: logger}
}

type itemEntity struct {
	aztables.Entity
	Status      string   `json:"Status"`
	Version     int64    `json:"Version,string"`
	VersionType string   `json:"Version@odata.type"`
	Payload     string   `json:"Payload,omitempty"`
	OrderHint   *float64 `json:"OrderHint,omitempty"`
}

func newItemEntity(boardID string, it domain.WorkflowItem) itemEntity {
	return itemEntity{
		Entity:      aztables.Entity{PartitionKey: boardID, RowKey: it.ID},
		Status:      it.Status,
		Version:     it.Version,
		VersionType: edmInt64,
		Payload:     string(it.Payload),
		OrderHint:   it.OrderHint,
	}
}

func (e itemEntity) item() domain.WorkflowItem {
	it := domain.WorkflowItem{
		ID:        e.RowKey,
		Status:    e.Status,
		Version:   e.Version,
		OrderHint: e.OrderHint,
	}
	if e.Payload != "" {
		it.Payload = json.RawMessage(e.Payload)
	}
	return it
}

func decodeItemEntity(data []byte) (itemEntity, error) {
	var ent itemEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return itemEntity{}, fmt.Errorf("decode item entity: %w", err)
	}
	return ent, nil
}

// Update reads the entity, checks expectedVersion and replaces it under the read ETag.
func (t *TableBoard) Update(ctx context.Context, id string, patch domain.Patch, expectedVersion int64) (domain.WorkflowItem, error) {
	resp, err := t.table.GetEntity(ctx, t.boardID, id, nil)
	if err != nil {
		return domain.WorkflowItem{}, t.mapError(err, id, expectedVersion)
	}
	ent, err := decodeItemEntity(resp.Value)
	if err != nil {
		return domain.WorkflowItem{}, err
	}
	if ent.Version != expectedVersion {
		return domain.WorkflowItem{}, &domain.ConflictError{ItemID: id, ExpectedVersion: expectedVersion, CurrentVersion: ent.Version}
	}
	if patch.Status != nil {
		ent.Status = *patch.Status
	}
	ent.Version++
	ent.VersionType = edmInt64
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.WorkflowItem{}, err
	}
	etag := resp.ETag
	if _, err := t.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.WorkflowItem{}, t.mapError(err, id, expectedVersion)
	}
	item := ent.item()
	t.publish(ctx, domain.FeedEvent{Type: domain.FeedItemUpdated, BoardID: t.boardID, Items: []domain.WorkflowItem{item}})
	return item, nil
}

// Create inserts a new entity with version 1 under a fresh row key.
func (t *TableBoard) Create(ctx context.Context, item domain.WorkflowItem) (domain.WorkflowItem, error) {
	item = item.Clone()
	item.ID = uuid.NewString()
	item.Version = 1
	item.Dirty = false
	item.Local = false
	payload, err := json.Marshal(newItemEntity(t.boardID, item))
	if err != nil {
		return domain.WorkflowItem{}, err
	}
	if _, err := t.table.AddEntity(ctx, payload, nil); err != nil {
		return domain.WorkflowItem{}, t.mapError(err, item.ID, 0)
	}
	t.publish(ctx, domain.FeedEvent{Type: domain.FeedItemAdded, BoardID: t.boardID, Items: []domain.WorkflowItem{item}})
	return item, nil
}

// Import inserts or upgrades externally sourced items one entity at a time. A stored
// entity with an equal or newer version is kept. Races with other writers surface as
// transient errors so the whole batch is retried; already imported items are then skipped.
func (t *TableBoard) Import(ctx context.Context, items []domain.WorkflowItem) (int, error) {
	written := 0
	for _, it := range items {
		ok, err := t.importItem(ctx, it)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	return written, nil
}

func (t *TableBoard) importItem(ctx context.Context, it domain.WorkflowItem) (bool, error) {
	it = it.Clone()
	it.Dirty = false
	it.Local = false
	payload, err := json.Marshal(newItemEntity(t.boardID, it))
	if err != nil {
		return false, err
	}
	resp, err := t.table.GetEntity(ctx, t.boardID, it.ID, nil)
	switch {
	case statusCode(err) == http.StatusNotFound:
		if _, err := t.table.AddEntity(ctx, payload, nil); err != nil {
			return false, t.mapImportError(err, it.ID)
		}
		t.publish(ctx, domain.FeedEvent{Type: domain.FeedItemAdded, BoardID: t.boardID, Items: []domain.WorkflowItem{it}})
		return true, nil
	case err != nil:
		return false, t.mapImportError(err, it.ID)
	}
	ent, err := decodeItemEntity(resp.Value)
	if err != nil {
		return false, err
	}
	if ent.Version >= it.Version {
		return false, nil
	}
	etag := resp.ETag
	if _, err := t.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return false, t.mapImportError(err, it.ID)
	}
	t.publish(ctx, domain.FeedEvent{Type: domain.FeedItemUpdated, BoardID: t.boardID, Items: []domain.WorkflowItem{it}})
	return true, nil
}

func (t *TableBoard) mapImportError(err error, id string) error {
	mapped := t.mapError(err, id, 0)
	if errors.Is(mapped, domain.ErrConflict) {
		return domain.Transient(fmt.Errorf("import item %s raced another writer: %w", id, err))
	}
	return mapped
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

// List returns every item of the board.
func (t *TableBoard) List(ctx context.Context) ([]domain.WorkflowItem, error) {
	filter := "PartitionKey eq '" + t.boardID + "'"
	pager := t.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	items := []domain.WorkflowItem{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, t.mapError(err, "", 0)
		}
		for _, raw := range resp.Entities {
			ent, err := decodeItemEntity(raw)
			if err != nil {
				return nil, err
			}
			items = append(items, ent.item())
		}
	}
	return items, nil
}

// publish is best effort: the write has already committed.
func (t *TableBoard) publish(ctx context.Context, ev domain.FeedEvent) {
	data, err := json.Marshal(ev)
	if err == nil {
		_, err = t.events.EnqueueMessage(ctx, string(data), nil)
	}
	if err != nil {
		t.logger.WithFields(log.Fields{
			"board": t.boardID,
			"type":  ev.Type,
			"error": err,
		}).Error("failed to publish board event")
	}
}

func (t *TableBoard) mapError(err error, id string, expectedVersion int64) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return domain.Transient(err)
	}
	switch code := respErr.StatusCode; {
	case code == http.StatusNotFound:
		return fmt.Errorf("item %s: %w", id, domain.ErrUnknownItem)
	case code == http.StatusPreconditionFailed, code == http.StatusConflict:
		// the entity changed after it was read; its new version is not known here
		return &domain.ConflictError{ItemID: id, ExpectedVersion: expectedVersion}
	case code == http.StatusTooManyRequests:
		return &domain.RateLimitError{RetryAfter: retry.RetryAfterFromResponse(respErr.RawResponse)}
	case code == http.StatusRequestTimeout, code >= 500:
		return domain.Transient(err)
	default:
		return err
	}
}
