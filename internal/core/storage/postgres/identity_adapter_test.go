package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
)

func newMockIdentityAdapter(t *testing.T) (*IdentityAdapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewIdentityAdapter(db), mock
}

func TestIdentityAdapter_ReadCustomer(t *testing.T) {
	adapter, mock := newMockIdentityAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryReadCustomer)).
		WillReturnRows(sqlmock.NewRows([]string{"ids"}).
			AddRow([]byte(`{"cookie":"cookie-1","registered":"a@example.com"}`)))

	ids, err := adapter.ReadCustomer(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cookie-1", ids.Cookie())
	require.Equal(t, "a@example.com", ids[v1.IDRegistered])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityAdapter_ReadCustomer_FreshInstall(t *testing.T) {
	adapter, mock := newMockIdentityAdapter(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryReadCustomer)).
		WillReturnRows(sqlmock.NewRows([]string{"ids"}))

	_, err := adapter.ReadCustomer(context.Background())
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityAdapter_WriteCustomer(t *testing.T) {
	adapter, mock := newMockIdentityAdapter(t)

	mock.ExpectExec(regexp.QuoteMeta(queryWriteCustomer)).
		WithArgs([]byte(`{"cookie":"cookie-2"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := adapter.WriteCustomer(context.Background(), v1.CustomerIDs{v1.IDCookie: "cookie-2"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
