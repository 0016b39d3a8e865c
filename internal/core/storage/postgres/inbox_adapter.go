package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
	"github.com/lib/pq"
)

// InboxAdapter implements storage.InboxStore on the shared connection.
type InboxAdapter struct {
	db *sql.DB
}

// NewInboxAdapter creates an inbox cache adapter sharing the queue adapter's
// connection.
func NewInboxAdapter(db *sql.DB) *InboxAdapter {
	return &InboxAdapter{db: db}
}

// UpsertMessages merges fetched messages into the cache by id. A message
// already marked read locally stays read regardless of the fetched state.
func (a *InboxAdapter) UpsertMessages(ctx context.Context, messages []*v1.InboxMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin inbox upsert: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range messages {
		customerIDsJSON, err := json.Marshal(msg.CustomerIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal message customer ids: %w", err)
		}
		contentJSON, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("failed to marshal message content: %w", err)
		}

		if _, err := tx.ExecContext(ctx, queryUpsertInboxMessage,
			msg.ID,
			customerIDsJSON,
			contentJSON,
			msg.IsRead,
			msg.ReceivedAt,
			msg.SyncToken,
		); err != nil {
			return fmt.Errorf("failed to upsert inbox message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit inbox upsert: %w", err)
	}
	return nil
}

// ListMessages returns the cached messages assigned to the given cookie,
// newest first.
func (a *InboxAdapter) ListMessages(ctx context.Context, cookie string) ([]*v1.InboxMessage, error) {
	rows, err := a.db.QueryContext(ctx, queryListInboxMessages, cookie)
	if err != nil {
		return nil, fmt.Errorf("failed to query inbox messages: %w", err)
	}
	defer rows.Close()

	var messages []*v1.InboxMessage
	for rows.Next() {
		msg, err := scanInboxMessageRow(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inbox messages: %w", err)
	}

	return messages, nil
}

// GetMessage returns one cached message, or storage.ErrNotFound.
func (a *InboxAdapter) GetMessage(ctx context.Context, id string) (*v1.InboxMessage, error) {
	msg, err := scanInboxMessageRow(a.db.QueryRowContext(ctx, queryGetInboxMessage, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

// MarkMessagesRead flips the local read state for the given ids.
func (a *InboxAdapter) MarkMessagesRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := a.db.ExecContext(ctx, queryMarkInboxMessagesRead, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to mark inbox messages read: %w", err)
	}
	return nil
}

// ReadSyncToken returns the last sync token stored for the cookie, "" when
// the next fetch is the first page.
func (a *InboxAdapter) ReadSyncToken(ctx context.Context, cookie string) (string, error) {
	var token string
	err := a.db.QueryRowContext(ctx, queryReadSyncToken, cookie).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync token: %w", err)
	}
	return token, nil
}

// WriteSyncToken stores the sync token for the cookie.
func (a *InboxAdapter) WriteSyncToken(ctx context.Context, cookie, token string) error {
	if _, err := a.db.ExecContext(ctx, queryWriteSyncToken, cookie, token); err != nil {
		return fmt.Errorf("failed to write sync token: %w", err)
	}
	return nil
}

// Clear evicts all cached messages and sync tokens.
func (a *InboxAdapter) Clear(ctx context.Context) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin inbox clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryClearInboxMessages); err != nil {
		return fmt.Errorf("failed to clear inbox messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryClearSyncState); err != nil {
		return fmt.Errorf("failed to clear inbox sync state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit inbox clear: %w", err)
	}
	return nil
}
