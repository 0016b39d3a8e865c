package postgres

import (
	"encoding/json"
	"fmt"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
)

// marshalEventJSON marshals a record's properties and identity snapshot to
// JSON for the jsonb columns.
func marshalEventJSON(record *v1.EventRecord) (propertiesJSON, customerIDsJSON []byte, err error) {
	propertiesJSON, err = json.Marshal(record.Properties)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal properties: %w", err)
	}

	customerIDsJSON, err = json.Marshal(record.CustomerIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal customer ids: %w", err)
	}

	return propertiesJSON, customerIDsJSON, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEventRow scans a queue row into an EventRecord.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanEventRow(row scanner) (*v1.EventRecord, error) {
	var record v1.EventRecord
	var propertiesJSON, customerIDsJSON []byte

	err := row.Scan(
		&record.ID,
		&record.Type,
		&record.Timestamp,
		&propertiesJSON,
		&customerIDsJSON,
		&record.ProjectToken,
		&record.RetryCount,
		&record.QueueSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	if err := json.Unmarshal(propertiesJSON, &record.Properties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
	}
	if err := json.Unmarshal(customerIDsJSON, &record.CustomerIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal customer ids: %w", err)
	}

	return &record, nil
}

// scanInboxMessageRow scans an inbox cache row into an InboxMessage.
func scanInboxMessageRow(row scanner) (*v1.InboxMessage, error) {
	var msg v1.InboxMessage
	var customerIDsJSON, contentJSON []byte

	err := row.Scan(
		&msg.ID,
		&customerIDsJSON,
		&contentJSON,
		&msg.IsRead,
		&msg.ReceivedAt,
		&msg.SyncToken,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan inbox message row: %w", err)
	}

	if len(customerIDsJSON) > 0 {
		if err := json.Unmarshal(customerIDsJSON, &msg.CustomerIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message customer ids: %w", err)
		}
	}
	if err := json.Unmarshal(contentJSON, &msg.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message content: %w", err)
	}

	return &msg, nil
}
