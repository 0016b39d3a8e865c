package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
)

func newMockInboxAdapter(t *testing.T) (*InboxAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewInboxAdapter(db), mock
}

func TestInboxAdapter_UpsertMessages(t *testing.T) {
	adapter, mock := newMockInboxAdapter(t)

	messages := []*v1.InboxMessage{
		{
			ID:          "msg-1",
			CustomerIDs: v1.CustomerIDs{v1.IDCookie: "cookie-1"},
			Content:     map[string]interface{}{"title": "Welcome"},
			ReceivedAt:  1700000000,
			SyncToken:   "sync123",
		},
		{
			ID:          "msg-2",
			CustomerIDs: v1.CustomerIDs{v1.IDCookie: "cookie-1"},
			Content:     map[string]interface{}{"title": "Sale"},
			IsRead:      true,
			ReceivedAt:  1700000100,
			SyncToken:   "sync123",
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryUpsertInboxMessage)).
		WithArgs("msg-1", sqlmock.AnyArg(), sqlmock.AnyArg(), false, int64(1700000000), "sync123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(queryUpsertInboxMessage)).
		WithArgs("msg-2", sqlmock.AnyArg(), sqlmock.AnyArg(), true, int64(1700000100), "sync123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, adapter.UpsertMessages(context.Background(), messages))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInboxAdapter_UpsertMessages_EmptySliceSkipsTx(t *testing.T) {
	adapter, mock := newMockInboxAdapter(t)

	require.NoError(t, adapter.UpsertMessages(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInboxAdapter_UpsertMessages_RollsBackOnFailure(t *testing.T) {
	adapter, mock := newMockInboxAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryUpsertInboxMessage)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := adapter.UpsertMessages(context.Background(), []*v1.InboxMessage{{ID: "msg-1"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "msg-1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInboxAdapter_ListMessages(t *testing.T) {
	adapter, mock := newMockInboxAdapter(t)

	rows := sqlmock.NewRows([]string{"id", "customer_ids", "content", "is_read", "received_at", "sync_token"}).
		AddRow("msg-2", []byte(`{"cookie":"cookie-1"}`), []byte(`{"title":"Sale"}`),
			false, int64(1700000100), "sync123").
		AddRow("msg-1", []byte(`{"cookie":"cookie-1"}`), []byte(`{"title":"Welcome"}`),
			true, int64(1700000000), "sync123")

	mock.ExpectQuery(regexp.QuoteMeta(queryListInboxMessages)).
		WithArgs("cookie-1").
		WillReturnRows(rows)

	messages, err := adapter.ListMessages(context.Background(), "cookie-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "msg-2", messages[0].ID)
	require.Equal(t, "Sale", messages[0].Content["title"])
	require.True(t, messages[1].IsRead)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInboxAdapter_GetMessage_NotFound(t *testing.T) {
	adapter, mock := newMockInboxAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryGetInboxMessage)).
		WithArgs("msg-gone").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_ids", "content", "is_read", "received_at", "sync_token"}))

	_, err := adapter.GetMessage(context.Background(), "msg-gone")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInboxAdapter_MarkMessagesRead(t *testing.T) {
	adapter, mock := newMockInboxAdapter(t)

	mock.ExpectExec(regexp.QuoteMeta(queryMarkInboxMessagesRead)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, adapter.MarkMessagesRead(context.Background(), []string{"msg-1", "msg-2"}))
	require.NoError(t, adapter.MarkMessagesRead(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInboxAdapter_SyncToken(t *testing.T) {
	adapter, mock := newMockInboxAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryReadSyncToken)).
		WithArgs("cookie-1").
		WillReturnRows(sqlmock.NewRows([]string{"sync_token"}))

	token, err := adapter.ReadSyncToken(context.Background(), "cookie-1")
	require.NoError(t, err)
	require.Empty(t, token)

	mock.ExpectExec(regexp.QuoteMeta(queryWriteSyncToken)).
		WithArgs("cookie-1", "sync123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, adapter.WriteSyncToken(context.Background(), "cookie-1", "sync123"))

	mock.ExpectQuery(regexp.QuoteMeta(queryReadSyncToken)).
		WithArgs("cookie-1").
		WillReturnRows(sqlmock.NewRows([]string{"sync_token"}).AddRow("sync123"))

	token, err = adapter.ReadSyncToken(context.Background(), "cookie-1")
	require.NoError(t, err)
	require.Equal(t, "sync123", token)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInboxAdapter_Clear(t *testing.T) {
	adapter, mock := newMockInboxAdapter(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(queryClearInboxMessages)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(queryClearSyncState)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, adapter.Clear(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
