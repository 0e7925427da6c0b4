// Command storage-init provisions the table and queue a board's table writer needs.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"prism-pipeline/retry"
)

const queueAlreadyExists = "QueueAlreadyExists"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	itemsTable := os.Getenv("ITEMS_TABLE")
	eventsQueue := os.Getenv("EVENTS_QUEUE")
	if connStr == "" || itemsTable == "" || eventsQueue == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING, ITEMS_TABLE or EVENTS_QUEUE")
	}
	log.WithFields(log.Fields{"table": itemsTable, "queue": eventsQueue}).Info("storage init starting")

	// The emulator often comes up after us.
	p := retry.ReadPolicy()
	p.Logger = log.StandardLogger()
	p.Name = "storage.init"
	ctx := context.Background()
	if err := p.Execute(ctx, func(ctx context.Context) error { return createTable(ctx, connStr, itemsTable) }, provisionDecision); err != nil {
		log.Fatalf("create table: %v", err)
	}
	if err := p.Execute(ctx, func(ctx context.Context) error { return createQueue(ctx, connStr, eventsQueue) }, provisionDecision); err != nil {
		log.Fatalf("create queue: %v", err)
	}
	log.Info("storage init complete")
}

func createTable(ctx context.Context, connStr, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	_, err = svc.NewClient(name).CreateTable(ctx, nil)
	if alreadyExists(err, string(aztables.TableAlreadyExists)) {
		log.WithField("table", name).Debug("table exists")
		return nil
	}
	return err
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	if alreadyExists(err, queueAlreadyExists) {
		log.WithField("queue", name).Debug("queue exists")
		return nil
	}
	return err
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}

// provisionDecision retries anything but client errors; connection failures surface as
// non-response errors.
func provisionDecision(err error) retry.Decision {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode >= 400 && respErr.StatusCode < 500 {
		return retry.NonRetryable()
	}
	if errors.Is(err, context.Canceled) {
		return retry.NonRetryable()
	}
	return retry.Retryable(0)
}
