package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	svc "sw/ocpp/gateway/internal/models/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := ConnectDb(DbTypeSqlite, filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(store.Disconnect)
	require.NoError(t, store.CreateTables(context.Background()))
	return store
}

func TestValidateStationIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertStation(ctx, &svc.Station{Tenant: "T1", StationID: "CS-1", Token: "TOK1", SiteID: "S1", CompanyID: "C1"}))
	require.NoError(t, store.UpsertStation(ctx, &svc.Station{Tenant: "T1", StationID: "CS-LEGACY"}))

	st, err := store.ValidateStationIdentity(ctx, "T1", "TOK1", "CS-1")
	require.NoError(t, err)
	assert.Equal(t, "S1", st.SiteID)
	assert.Equal(t, "C1", st.CompanyID)

	_, err = store.ValidateStationIdentity(ctx, "T1", "WRONG", "CS-1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = store.ValidateStationIdentity(ctx, "T2", "TOK1", "CS-1")
	assert.ErrorIs(t, err, ErrStationNotFound)

	_, err = store.ValidateStationIdentity(ctx, "T1", "", "CS-LEGACY")
	assert.NoError(t, err)
}

func TestUpsertStationUpdates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertStation(ctx, &svc.Station{Tenant: "T1", StationID: "CS-1", Token: "A"}))
	require.NoError(t, store.UpsertStation(ctx, &svc.Station{Tenant: "T1", StationID: "CS-1", Token: "B", SiteAreaID: "SA"}))

	st, err := store.GetStation(ctx, "T1", "CS-1")
	require.NoError(t, err)
	assert.Equal(t, "B", st.Token)
	assert.Equal(t, "SA", st.SiteAreaID)
}

func TestRecordLastSeen(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.UpsertStation(ctx, &svc.Station{Tenant: "T1", StationID: "CS-1"}))

	seen := time.Date(2024, 9, 27, 8, 59, 59, 123000000, time.UTC)
	require.NoError(t, store.RecordLastSeen(ctx, "T1", "CS-1", seen))

	st, err := store.GetStation(ctx, "T1", "CS-1")
	require.NoError(t, err)
	assert.True(t, seen.Equal(st.LastSeen))
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	started := time.Date(2024, 9, 27, 8, 0, 0, 0, time.UTC)

	first, err := store.InsertNextTransaction(ctx, &svc.Transaction{Tenant: "T1", StationID: "CS-1", ConnectorId: 1, IdTag: "TAG1", MeterStart: 100, TimeStarted: started})
	require.NoError(t, err)
	second, err := store.InsertNextTransaction(ctx, &svc.Transaction{Tenant: "T1", StationID: "CS-1", ConnectorId: 2, IdTag: "TAG2", TimeStarted: started})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	ended := started.Add(time.Hour)
	require.NoError(t, store.StopTransaction(ctx, "T1", "CS-1", first, 1500, ended))
	assert.ErrorIs(t, store.StopTransaction(ctx, "T1", "CS-1", first, 1600, ended), ErrTransactionNotFound)
	assert.ErrorIs(t, store.StopTransaction(ctx, "T1", "CS-2", second, 1, ended), ErrTransactionNotFound)

	tx, err := store.GetTransaction(ctx, first)
	require.NoError(t, err)
	assert.NotEmpty(t, tx.Guid)
	assert.Equal(t, "TAG1", tx.IdTag)
	assert.True(t, started.Equal(tx.TimeStarted))
	require.NotNil(t, tx.TimeEnded)
	assert.True(t, ended.Equal(*tx.TimeEnded))
	require.NotNil(t, tx.MeterStop)
	assert.Equal(t, 1500, *tx.MeterStop)
}

func TestRebind(t *testing.T) {
	pg := &Store{dbType: DbTypePostgres}
	lite := &Store{dbType: DbTypeSqlite}

	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	assert.Equal(t, "SELECT a FROM t WHERE x = ?", lite.rebind("SELECT a FROM t WHERE x = ?"))
}

func TestConnectDbRejectsUnknownType(t *testing.T) {
	_, err := ConnectDb("mysql", "")
	assert.Error(t, err)
}
