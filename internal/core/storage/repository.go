package storage

import (
	"context"
	"errors"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// EventStore is the durable delivery queue. Records enter via Enqueue and
// leave via MarkDelivered (confirmed) or MarkFailed past the retry budget
// (dropped). Between those points only RetryCount may change.
type EventStore interface {
	// Enqueue durably persists a new record and populates QueueSeq.
	// A storage failure here is propagated: the tracking call must fail
	// loudly when durability cannot be guaranteed.
	Enqueue(ctx context.Context, record *v1.EventRecord) error

	// FetchPending returns up to limit not-yet-delivered records for one
	// project, oldest-first by QueueSeq. Creation order is the delivery
	// order contract.
	FetchPending(ctx context.Context, projectToken string, limit int) ([]*v1.EventRecord, error)

	// MarkDelivered deletes the record. Idempotent: a second call for the
	// same id is a no-op.
	MarkDelivered(ctx context.Context, id string) error

	// MarkFailed increments the retry count. Once the count exceeds
	// maxRetries the record is deleted and dropped=true is reported.
	MarkFailed(ctx context.Context, id string, maxRetries int) (dropped bool, err error)

	// CountPending returns the total number of queued records.
	CountPending(ctx context.Context) (int, error)

	// PendingProjects returns the distinct project tokens with queued
	// records, so a flush pass can drain each target independently.
	PendingProjects(ctx context.Context) ([]string, error)
}

// IdentityStore persists the current customer identity across restarts.
type IdentityStore interface {
	// ReadCustomer returns the persisted identity, or ErrNotFound on a
	// fresh install.
	ReadCustomer(ctx context.Context) (v1.CustomerIDs, error)

	// WriteCustomer replaces the persisted identity.
	WriteCustomer(ctx context.Context, ids v1.CustomerIDs) error
}

// InboxStore is the local app-inbox message cache plus per-customer sync
// token bookkeeping. The cache is flat; identity scoping happens at read
// time against each message's stored snapshot.
type InboxStore interface {
	// UpsertMessages merges fetched messages by id. An already-known
	// message keeps its local read state if it was read.
	UpsertMessages(ctx context.Context, messages []*v1.InboxMessage) error

	// ListMessages returns the cached messages assigned to the given
	// anonymous cookie, newest-first.
	ListMessages(ctx context.Context, cookie string) ([]*v1.InboxMessage, error)

	// GetMessage returns one cached message, or ErrNotFound.
	GetMessage(ctx context.Context, id string) (*v1.InboxMessage, error)

	// MarkMessagesRead flips the local read state for the given ids.
	MarkMessagesRead(ctx context.Context, ids []string) error

	// ReadSyncToken returns the last sync token stored for the cookie,
	// "" when the next fetch is the first page.
	ReadSyncToken(ctx context.Context, cookie string) (string, error)

	// WriteSyncToken stores the sync token for the cookie.
	WriteSyncToken(ctx context.Context, cookie, token string) error

	// Clear evicts all cached messages and sync tokens. Called on the
	// new-customer boundary.
	Clear(ctx context.Context) error
}
