package postgres

// SQL queries for the durable event queue, identity and inbox cache tables.

const (
	// queryEnqueueEvent appends a record to the delivery queue.
	// RETURNING retrieves the auto-generated queue_seq that defines the
	// drain order for the record's project.
	queryEnqueueEvent = `
		INSERT INTO event_queue (
			id, type, occurred_at, properties,
			customer_ids, project_token, retry_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING queue_seq
	`

	// queryFetchPending fetches queued records for one project in strict
	// creation order. Delivery must preserve this order.
	queryFetchPending = `
		SELECT
			id, type, occurred_at, properties,
			customer_ids, project_token, retry_count, queue_seq
		FROM event_queue
		WHERE project_token = $1
		ORDER BY queue_seq ASC
		LIMIT $2
	`

	// queryDeleteEvent removes a record. Deleting an already-removed id
	// affects zero rows, which keeps MarkDelivered idempotent.
	queryDeleteEvent = `
		DELETE FROM event_queue WHERE id = $1
	`

	// queryBumpRetryCount increments the retry counter and returns the new
	// value so the adapter can decide whether the record is exhausted.
	queryBumpRetryCount = `
		UPDATE event_queue
		SET retry_count = retry_count + 1
		WHERE id = $1
		RETURNING retry_count
	`

	queryCountPending = `
		SELECT COUNT(*) FROM event_queue
	`

	queryPendingProjects = `
		SELECT DISTINCT project_token FROM event_queue ORDER BY project_token
	`

	// queryReadCustomer reads the single current-customer row.
	queryReadCustomer = `
		SELECT ids FROM customer_identity WHERE singleton
	`

	// queryWriteCustomer replaces the single current-customer row.
	queryWriteCustomer = `
		INSERT INTO customer_identity (singleton, ids)
		VALUES (TRUE, $1)
		ON CONFLICT (singleton) DO UPDATE SET ids = EXCLUDED.ids
	`

	// queryUpsertInboxMessage merges a fetched message into the cache.
	// A message already read locally stays read even if the collector
	// still reports it unread.
	queryUpsertInboxMessage = `
		INSERT INTO inbox_messages (
			id, customer_ids, content, is_read, received_at, sync_token
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			customer_ids = EXCLUDED.customer_ids,
			content      = EXCLUDED.content,
			is_read      = inbox_messages.is_read OR EXCLUDED.is_read,
			received_at  = EXCLUDED.received_at,
			sync_token   = EXCLUDED.sync_token
	`

	// queryListInboxMessages lists cached messages assigned to one cookie,
	// newest first.
	queryListInboxMessages = `
		SELECT id, customer_ids, content, is_read, received_at, sync_token
		FROM inbox_messages
		WHERE customer_ids->>'cookie' = $1
		ORDER BY received_at DESC, id
	`

	queryGetInboxMessage = `
		SELECT id, customer_ids, content, is_read, received_at, sync_token
		FROM inbox_messages
		WHERE id = $1
	`

	queryMarkInboxMessagesRead = `
		UPDATE inbox_messages SET is_read = TRUE WHERE id = ANY($1)
	`

	queryReadSyncToken = `
		SELECT sync_token FROM inbox_sync_state WHERE cookie = $1
	`

	queryWriteSyncToken = `
		INSERT INTO inbox_sync_state (cookie, sync_token)
		VALUES ($1, $2)
		ON CONFLICT (cookie) DO UPDATE SET sync_token = EXCLUDED.sync_token
	`

	queryClearInboxMessages = `
		DELETE FROM inbox_messages
	`

	queryClearSyncState = `
		DELETE FROM inbox_sync_state
	`
)
