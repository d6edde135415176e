package sqlaudit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"gotrack/audit"
	apperrors "gotrack/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// 内存库随连接销毁，限制为单连接
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db, "")
	require.NoError(t, store.Init(context.Background()))
	return store
}

func newRecord(entityType, entityID string, kind audit.Kind, sc *audit.SaveContext) *audit.Record {
	r := audit.NewRecord(entityType, kind, sc)
	r.EntityID = entityID
	return r
}

func TestInit_Idempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Init(context.Background()))
}

func TestSaveRecords_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	username := "alice"
	metadata := audit.NewMetadata().SetString("reason", "price fix").SetInt("batch", 7)
	sc := audit.NewSaveContext(&username, metadata)

	record := newRecord("Order", "42", audit.KindUpdate, sc)
	record.Changes = []audit.FieldChange{
		{Field: "Price", Old: audit.TextValue("10"), New: audit.TextValue("12")},
		{Field: "Note", Old: audit.NullValue(), New: audit.TextValue("")},
	}
	require.NoError(t, store.SaveRecords(ctx, record))

	stored, err := store.ListByEntity(ctx, "Order", "42")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	got := stored[0]
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, audit.KindUpdate, got.Kind)
	require.NotNil(t, got.Username)
	assert.Equal(t, "alice", *got.Username)
	assert.Equal(t, record.OperationID, got.OperationID)
	assert.True(t, record.Timestamp.Equal(got.Timestamp))
	assert.JSONEq(t, `{"reason":"price fix","batch":7}`, string(got.Metadata))

	require.Len(t, got.Changes, 2)
	assert.Equal(t, "Price", got.Changes[0].Field)
	assert.Equal(t, audit.TextValue("12"), got.Changes[0].New)
	// 显式空与空串必须可区分地还原
	assert.Equal(t, audit.NullValue(), got.Changes[1].Old)
	assert.Equal(t, audit.TextValue(""), got.Changes[1].New)
}

func TestSaveRecords_NoUsernameNoMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := newRecord("Customer", "7", audit.KindDelete, audit.NewSaveContext(nil, nil))
	record.Changes = []audit.FieldChange{
		{Field: "Name", Old: audit.TextValue("bob"), New: audit.AbsentValue()},
	}
	require.NoError(t, store.SaveRecords(ctx, record))

	stored, err := store.ListByEntity(ctx, "Customer", "7")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Nil(t, stored[0].Username)
	assert.Nil(t, stored[0].Metadata)
}

func TestSaveRecords_FailureTaggedAsDatabaseError(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	store := NewStore(db, "")
	require.NoError(t, store.Init(context.Background()))
	require.NoError(t, db.Close())

	record := newRecord("Order", "1", audit.KindInsert, audit.NewSaveContext(nil, nil))
	err = store.SaveRecords(context.Background(), record)
	require.Error(t, err)
	assert.True(t, apperrors.IsDatabase(err))

	_, err = store.ListByEntity(context.Background(), "Order", "1")
	require.Error(t, err)
	assert.True(t, apperrors.IsDatabase(err))
}

func TestSaveRecords_EmptyBatchIsNoop(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveRecords(context.Background()))
}

func TestListByOperation_GroupsOneSave(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	scA := audit.NewSaveContext(nil, nil)
	scB := audit.NewSaveContext(nil, nil)

	require.NoError(t, store.SaveRecords(ctx,
		newRecord("Order", "1", audit.KindInsert, scA),
		newRecord("OrderLine", "10", audit.KindInsert, scA),
		newRecord("Order", "2", audit.KindInsert, scB),
	))

	got, err := store.ListByOperation(ctx, scA.OperationID.String())
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, scA.OperationID.String(), r.OperationID)
	}
}

func TestListByEntity_OrderedByTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newRecord("Order", "5", audit.KindInsert, nil)
	first.Timestamp = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	second := newRecord("Order", "5", audit.KindUpdate, nil)
	second.Timestamp = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	// 乱序写入，读取应按时间排序
	require.NoError(t, store.SaveRecords(ctx, second, first))

	got, err := store.ListByEntity(ctx, "Order", "5")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, audit.KindInsert, got[0].Kind)
	assert.Equal(t, audit.KindUpdate, got[1].Kind)
}
