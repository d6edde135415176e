package tracker

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotrack/audit"
	"gotrack/audit/policy"
	"gotrack/errors"
	"gotrack/messaging"
	synctransport "gotrack/messaging/transport/sync"
	"gotrack/notify"
	"gotrack/persistence/memory"
)

type Order struct {
	ID       int64
	Customer string
	Price    string
	Secret   string
}

type OrderLine struct {
	ID       int64
	Product  string
	Quantity int64
}

// Shipment 从不注册，用于验证默认不追踪
type Shipment struct {
	ID      int64
	Carrier string
}

func newRegistry(t *testing.T) *policy.Registry {
	t.Helper()
	registry := policy.NewRegistry()
	_, err := registry.Track(Order{}).Exclude("Secret").Register()
	require.NoError(t, err)
	_, err = registry.Track(OrderLine{}).Register()
	require.NoError(t, err)
	return registry
}

func newBus(t *testing.T) *notify.RecordBus {
	t.Helper()
	transport := synctransport.NewSyncTransport()
	require.NoError(t, transport.Start(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })
	return notify.NewRecordBus(messaging.NewMessageBus(transport))
}

func TestSave_InsertTwoPhase(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()

	order := &Order{Customer: "alice", Price: "10", Secret: "s3cret"}
	uow.Insert(order)

	rows, err := tracker.Save(context.Background(), uow)
	require.NoError(t, err)

	// 对外行数是第一阶段的：1 个实体变更，审计行尚未入队
	assert.Equal(t, int64(1), rows)
	assert.Equal(t, 2, uow.Commits())

	records := uow.CommittedRecords()
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, "Order", record.EntityType)
	assert.Equal(t, audit.KindInsert, record.Kind)
	// 主键在第一阶段提交后才生成，记录必须携带生成值
	assert.Equal(t, "1", record.EntityID)
	assert.Equal(t, int64(1), order.ID)

	change, ok := record.Change("Customer")
	require.True(t, ok)
	assert.Equal(t, audit.AbsentValue(), change.Old)
	assert.Equal(t, audit.TextValue("alice"), change.New)
	assert.False(t, record.HasField("Secret"))
	assert.False(t, record.HasField("ID"))
}

func TestSave_UpdateSinglePhase(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()

	order := &Order{ID: 7, Customer: "alice", Price: "10", Secret: "a"}
	uow.Update(order)
	order.Price = "12"
	order.Secret = "b"

	rows, err := tracker.Save(context.Background(), uow)
	require.NoError(t, err)

	// 没有插入变更时不需要第二阶段
	assert.Equal(t, 1, uow.Commits())
	assert.Equal(t, int64(2), rows) // 实体变更 + 随行审计记录

	records := uow.CommittedRecords()
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, audit.KindUpdate, record.Kind)
	assert.Equal(t, "7", record.EntityID)
	require.Len(t, record.Changes, 1)
	assert.Equal(t, "Price", record.Changes[0].Field)
	assert.Equal(t, audit.TextValue("10"), record.Changes[0].Old)
	assert.Equal(t, audit.TextValue("12"), record.Changes[0].New)
}

func TestSave_NoopUpdateSuppressed(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()

	order := &Order{ID: 7, Customer: "alice", Price: "10"}
	uow.Update(order)
	// 只改排除字段，其余保持不变
	order.Secret = "changed"

	rows, err := tracker.Save(context.Background(), uow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	assert.Empty(t, uow.CommittedRecords())
}

func TestSave_DeleteRecordsOriginals(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()

	uow.Delete(&Order{ID: 9, Customer: "bob", Price: "5"})

	_, err := tracker.Save(context.Background(), uow)
	require.NoError(t, err)

	records := uow.CommittedRecords()
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, audit.KindDelete, record.Kind)
	assert.Equal(t, "9", record.EntityID)

	change, ok := record.Change("Customer")
	require.True(t, ok)
	assert.Equal(t, audit.TextValue("bob"), change.Old)
	assert.Equal(t, audit.AbsentValue(), change.New)
}

func TestSave_UnregisteredTypeProducesNothing(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()

	uow.Insert(&Shipment{Carrier: "acme"})
	uow.Update(&Shipment{ID: 3, Carrier: "acme"})

	rows, err := tracker.Save(context.Background(), uow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)
	assert.Empty(t, uow.CommittedRecords())
	// 没有审计记录时不需要第二阶段提交
	assert.Equal(t, 1, uow.Commits())
}

func TestSave_DisabledPassThrough(t *testing.T) {
	Disable()
	defer Enable()

	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()

	order := &Order{Customer: "alice"}
	uow.Insert(order)

	rows, err := tracker.Save(context.Background(), uow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	assert.Equal(t, 1, uow.Commits())
	assert.Empty(t, uow.CommittedRecords())
	// 主数据提交不受开关影响
	assert.Equal(t, int64(1), order.ID)
}

func TestSave_UsernamePrecedence(t *testing.T) {
	registry := newRegistry(t)
	resolved := "from-resolver"

	cases := []struct {
		name    string
		options []Option
		save    []SaveOption
		want    *string
	}{
		{
			name: "explicit wins over resolver and default",
			options: []Option{
				WithUsernameResolver(func() *string { return &resolved }),
				WithDefaultUsername("fallback"),
			},
			save: []SaveOption{WithUsername("explicit")},
			want: strPtr("explicit"),
		},
		{
			name: "resolver wins over default",
			options: []Option{
				WithUsernameResolver(func() *string { return &resolved }),
				WithDefaultUsername("fallback"),
			},
			want: &resolved,
		},
		{
			name: "default when resolver returns nil",
			options: []Option{
				WithUsernameResolver(func() *string { return nil }),
				WithDefaultUsername("fallback"),
			},
			want: strPtr("fallback"),
		},
		{
			name: "absent username is recorded as null",
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tracker := NewTracker(append([]Option{WithRegistry(registry)}, tc.options...)...)
			uow := memory.NewUnitOfWork()
			uow.Delete(&Order{ID: 1, Customer: "x"})

			_, err := tracker.Save(context.Background(), uow, tc.save...)
			require.NoError(t, err)

			records := uow.CommittedRecords()
			require.Len(t, records, 1)
			if tc.want == nil {
				assert.Nil(t, records[0].Username)
			} else {
				require.NotNil(t, records[0].Username)
				assert.Equal(t, *tc.want, *records[0].Username)
			}
		})
	}
}

func TestSave_MetadataSharedAcrossRecords(t *testing.T) {
	tracker := NewTracker(
		WithRegistry(newRegistry(t)),
		WithMetadataProvider(func(m *audit.Metadata) {
			m.SetString("request_id", "req-1").SetInt("attempt", 1)
		}),
	)
	uow := memory.NewUnitOfWork()
	uow.Delete(&Order{ID: 1, Customer: "a"})
	uow.Insert(&OrderLine{Product: "widget", Quantity: 2})

	_, err := tracker.Save(context.Background(), uow)
	require.NoError(t, err)

	records := uow.CommittedRecords()
	require.Len(t, records, 2)
	// 同一次保存的所有记录共享同一个袋实例与操作标识
	assert.Same(t, records[0].Metadata, records[1].Metadata)
	assert.Equal(t, records[0].OperationID, records[1].OperationID)

	v, ok := records[0].Metadata.Get("request_id")
	require.True(t, ok)
	assert.Equal(t, "req-1", v.String())
}

func TestSave_Phase1FailureAbortsEverything(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()
	order := &Order{ID: 1, Customer: "a"}
	uow.Update(order)
	order.Customer = "b"

	boom := stderrors.New("disk full")
	uow.FailOnCommit(1, boom)

	rows, err := tracker.Save(context.Background(), uow)
	require.Error(t, err)
	assert.True(t, errors.IsCommitPhase1(err))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, rows)
	assert.Empty(t, uow.CommittedRecords())
}

func TestSave_Phase2FailureSurfacesButKeepsRows(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()
	uow.Insert(&Order{Customer: "alice"})

	boom := stderrors.New("audit table gone")
	uow.FailOnCommit(2, boom)

	rows, err := tracker.Save(context.Background(), uow)
	require.Error(t, err)
	assert.True(t, errors.IsCommitPhase2(err))
	assert.ErrorIs(t, err, boom)
	// 第一阶段已经落库，行数照常返回
	assert.Equal(t, int64(1), rows)
}

func TestSave_SubscriberFailureFailsSave(t *testing.T) {
	bus := newBus(t)
	boom := stderrors.New("webhook rejected")
	require.NoError(t, bus.SubscribeRecords(context.Background(),
		notify.RecordHandlerFunc(func(ctx context.Context, record *audit.Record) error {
			return boom
		})))

	tracker := NewTracker(WithRegistry(newRegistry(t)), WithBus(bus))
	uow := memory.NewUnitOfWork()
	order := &Order{ID: 1, Customer: "a"}
	uow.Update(order)
	order.Customer = "b"

	rows, err := tracker.Save(context.Background(), uow)
	require.Error(t, err)
	assert.True(t, errors.IsSubscriber(err))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, rows)
	// 订阅者失败在第一阶段提交前发生，主数据未落库
	assert.Equal(t, 0, uow.Commits())
}

func TestSave_SubscribersSeeFinalInsertIdentity(t *testing.T) {
	bus := newBus(t)
	var seen []*audit.Record
	require.NoError(t, bus.SubscribeRecords(context.Background(),
		notify.RecordHandlerFunc(func(ctx context.Context, record *audit.Record) error {
			seen = append(seen, record)
			return nil
		})))

	tracker := NewTracker(WithRegistry(newRegistry(t)), WithBus(bus))
	uow := memory.NewUnitOfWork()
	uow.Insert(&Order{Customer: "alice"})

	_, err := tracker.Save(context.Background(), uow)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	// 插入记录在主键补全之后才发布
	assert.Equal(t, "1", seen[0].EntityID)
}

func TestSave_CancelledBeforePhase1(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()
	uow.Insert(&Order{Customer: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rows, err := tracker.Save(ctx, uow)
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	assert.Zero(t, rows)
	assert.Equal(t, 0, uow.Commits())
}

// cancellingUnitOfWork 在第一次提交完成后触发取消，
// 且每次提交都先检查 ctx —— 模拟尊重取消信号的 database/sql 协作方
type cancellingUnitOfWork struct {
	*memory.UnitOfWork
	cancel context.CancelFunc
}

func (u *cancellingUnitOfWork) Commit(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rows, err := u.UnitOfWork.Commit(ctx)
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	return rows, err
}

func TestSave_CancellationAfterPhase1DoesNotAbortPhase2(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uow := &cancellingUnitOfWork{UnitOfWork: memory.NewUnitOfWork(), cancel: cancel}
	uow.Insert(&Order{Customer: "alice"})

	rows, err := tracker.Save(ctx, uow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	// 第一阶段之后的取消不得中断序列：第二阶段照常提交插入审计行
	assert.Equal(t, 2, uow.Commits())
	require.Len(t, uow.CommittedRecords(), 1)
}

func TestSaveAsync_MatchesSave(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()
	uow.Insert(&Order{Customer: "alice"})

	result := <-tracker.SaveAsync(context.Background(), uow)
	require.NoError(t, result.Err)
	assert.Equal(t, int64(1), result.Rows)
	require.Len(t, uow.CommittedRecords(), 1)
}

func TestSave_MixedKindsShareOperation(t *testing.T) {
	tracker := NewTracker(WithRegistry(newRegistry(t)))
	uow := memory.NewUnitOfWork()

	order := &Order{ID: 5, Customer: "alice", Price: "10"}
	uow.Update(order)
	order.Price = "11"
	uow.Insert(&OrderLine{Product: "widget", Quantity: 3})
	uow.Delete(&Order{ID: 6, Customer: "bob"})

	rows, err := tracker.Save(context.Background(), uow)
	require.NoError(t, err)
	// 第一阶段：3 个实体变更 + 2 条更新/删除审计行
	assert.Equal(t, int64(5), rows)
	assert.Equal(t, 2, uow.Commits())

	records := uow.CommittedRecords()
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, records[0].OperationID, r.OperationID)
	}
}

func strPtr(s string) *string { return &s }
