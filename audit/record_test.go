package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord_CarriesSaveContext(t *testing.T) {
	user := "alice"
	meta := NewMetadata().SetString("request_id", "req-1")
	sc := NewSaveContext(&user, meta)

	r := NewRecord("Order", KindUpdate, sc)

	require.NotZero(t, r.ID)
	assert.Equal(t, "Order", r.EntityType)
	assert.Equal(t, KindUpdate, r.Kind)
	require.NotNil(t, r.Username)
	assert.Equal(t, "alice", *r.Username)
	assert.Equal(t, sc.OperationID.String(), r.OperationID)
	assert.Same(t, meta, r.Metadata)
	assert.Equal(t, sc.StartedAt, r.Timestamp)
}

func TestNewRecord_NilContext(t *testing.T) {
	r := NewRecord("Order", KindDelete, nil)
	assert.Nil(t, r.Username)
	assert.Empty(t, r.OperationID)
	assert.False(t, r.Timestamp.IsZero())
}

func TestRecord_ChangeLookup(t *testing.T) {
	r := NewRecord("Order", KindUpdate, nil)
	r.Changes = append(r.Changes, FieldChange{Field: "Total", Old: TextValue("100"), New: TextValue("150")})

	assert.True(t, r.HasField("Total"))
	assert.False(t, r.HasField("Notes"))

	c, ok := r.Change("Total")
	require.True(t, ok)
	assert.Equal(t, "150", c.New.Text())
}

func TestSaveContext_SharedMetadataBag(t *testing.T) {
	meta := NewMetadata().SetInt("batch", 7).SetTime("at", time.Now())
	sc := NewSaveContext(nil, meta)

	a := NewRecord("Order", KindInsert, sc)
	b := NewRecord("Customer", KindInsert, sc)

	// 同一次保存的所有记录共享同一个元数据袋实例
	assert.Same(t, a.Metadata, b.Metadata)
	v, ok := a.Metadata.Get("batch")
	require.True(t, ok)
	assert.Equal(t, "7", v.String())
}

func TestMetadata_Keys(t *testing.T) {
	meta := NewMetadata().SetString("b", "2").SetString("a", "1")
	assert.Equal(t, []string{"a", "b"}, meta.Keys())
	assert.Equal(t, 2, meta.Len())
}
