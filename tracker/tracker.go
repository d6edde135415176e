// Package tracker 实现两阶段提交编排器：
// 在持久化协作方提交前后自动生成字段级审计记录。
//
// 一次保存的完整序列：
//  1. 解析保存上下文（操作人、元数据、操作标识）；
//  2. 对更新/删除变更做差异计算，逐条发布通知并附带到第一阶段提交；
//  3. 第一阶段提交：主数据与更新/删除审计行同一事务落库；
//  4. 从协作方取回插入实体的生成主键，补全插入审计记录；
//  5. 第二阶段提交：仅插入审计行落库。
//
// 对外返回的行数始终为第一阶段提交的受影响行数。
package tracker

import (
	"context"
	"sync/atomic"

	"gotrack/audit"
	"gotrack/audit/diff"
	"gotrack/audit/policy"
	"gotrack/errors"
	"gotrack/logging"
	"gotrack/notify"
	"gotrack/persistence"
)

// 进程级追踪开关。零值表示未禁用，因此默认开启。
var disabled atomic.Bool

// Enable 开启审计追踪（进程级）
func Enable() { disabled.Store(false) }

// Disable 关闭审计追踪（进程级）。
// 关闭后保存退化为普通提交：零审计记录，行数与直接提交一致。
func Disable() { disabled.Store(true) }

// Enabled 返回当前追踪开关状态
func Enabled() bool { return !disabled.Load() }

// UsernameResolver 操作人解析回调。返回 nil 表示未知。
type UsernameResolver func() *string

// MetadataProvider 元数据填充回调。
// 每次保存调用一次，袋实例由同一次保存的所有审计记录共享。
type MetadataProvider func(m *audit.Metadata)

// Tracker 两阶段提交编排器
type Tracker struct {
	registry         *policy.Registry
	bus              notify.IRecordBus
	logger           logging.Logger
	usernameResolver UsernameResolver
	defaultUsername  *string
	metadataProvider MetadataProvider
}

// Option Tracker 配置项
type Option func(*Tracker)

// WithRegistry 使用指定的策略注册表（默认使用进程级注册表）
func WithRegistry(registry *policy.Registry) Option {
	return func(t *Tracker) {
		if registry != nil {
			t.registry = registry
		}
	}
}

// WithBus 配置审计通知总线。
// 同步订阅者的失败会使保存整体失败。
func WithBus(bus notify.IRecordBus) Option {
	return func(t *Tracker) { t.bus = bus }
}

// WithLogger 替换默认日志器
func WithLogger(logger logging.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithUsernameResolver 注册操作人解析回调
func WithUsernameResolver(resolver UsernameResolver) Option {
	return func(t *Tracker) { t.usernameResolver = resolver }
}

// WithDefaultUsername 配置静态缺省操作人，
// 解析回调缺席或返回 nil 时生效
func WithDefaultUsername(username string) Option {
	return func(t *Tracker) { t.defaultUsername = &username }
}

// WithMetadataProvider 注册元数据填充回调
func WithMetadataProvider(provider MetadataProvider) Option {
	return func(t *Tracker) { t.metadataProvider = provider }
}

// NewTracker 创建编排器
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		registry: policy.Default(),
		logger:   logging.GetLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SaveOption 单次保存的配置项
type SaveOption func(*saveOptions)

type saveOptions struct {
	username *string
}

// WithUsername 显式指定本次保存的操作人，
// 优先级高于解析回调与静态缺省值
func WithUsername(username string) SaveOption {
	return func(o *saveOptions) { o.username = &username }
}

// SaveResult 异步保存结果
type SaveResult struct {
	Rows int64
	Err  error
}

// Save 执行一次带审计的保存。
// 返回第一阶段提交的受影响行数。
//
// 错误语义：
//   - 第一阶段提交失败：未落库任何数据，错误代码 COMMIT_PHASE1_ERROR；
//   - 第二阶段提交失败：主数据与更新/删除审计行已经落库，
//     丢失的只是插入审计行，错误代码 COMMIT_PHASE2_ERROR；
//   - 订阅者回调失败：保存中止，错误代码 SUBSCRIBER_ERROR；
//   - 保存开始前 ctx 已取消：错误代码 CANCELLED。
//     第一阶段开始之后不再响应取消。
func (t *Tracker) Save(ctx context.Context, uow persistence.IUnitOfWork, opts ...SaveOption) (int64, error) {
	// 开关状态在保存开始时读取一次，整个序列内保持一致
	if !Enabled() {
		return uow.Commit(ctx)
	}

	if err := ctx.Err(); err != nil {
		return 0, errors.WrapError(err, errors.ErrCodeCancelled, "保存开始前已取消")
	}

	// 取消只在第一阶段开始前生效：此后整个序列要么跑完要么失败，
	// 不能让迟到的取消中断第二阶段、凭空丢失插入审计行
	ctx = context.WithoutCancel(ctx)

	sc := t.newSaveContext(opts)
	logger := t.logger

	mutations := uow.PendingMutations()
	var inserts []persistence.Mutation

	logger.Debug(ctx, "开始差异计算（更新/删除）",
		logging.String("operation_id", sc.OperationID.String()),
		logging.Int("mutation_count", len(mutations)))

	for _, m := range mutations {
		if m.Kind == audit.KindInsert {
			inserts = append(inserts, m)
			continue
		}
		record, ok := diff.Compute(m, t.resolve(m), sc)
		if !ok {
			continue
		}
		if err := t.publish(ctx, record); err != nil {
			return 0, err
		}
		uow.QueueAuditRecords(record)
	}

	rows, err := uow.Commit(ctx)
	if err != nil {
		logger.Error(ctx, "第一阶段提交失败",
			logging.String("operation_id", sc.OperationID.String()),
			logging.Error(err))
		return 0, errors.WrapError(err, errors.ErrCodeCommitPhase1, "第一阶段提交失败")
	}

	logger.Debug(ctx, "第一阶段提交完成",
		logging.String("operation_id", sc.OperationID.String()),
		logging.Int64("rows", rows))

	insertRecords := 0
	for _, m := range inserts {
		record, ok := diff.Compute(m, t.resolve(m), sc)
		if !ok {
			continue
		}
		id, err := uow.GeneratedIdentity(m)
		if err != nil {
			logger.Error(ctx, "获取插入实体主键失败",
				logging.String("operation_id", sc.OperationID.String()),
				logging.String("entity_type", m.EntityType),
				logging.Error(err))
			return rows, errors.WrapError(err, errors.ErrCodeCommitPhase2,
				"插入实体主键解析失败，插入审计行未落库")
		}
		record.EntityID = id
		if err := t.publish(ctx, record); err != nil {
			return rows, err
		}
		uow.QueueAuditRecords(record)
		insertRecords++
	}

	if insertRecords > 0 {
		if _, err := uow.Commit(ctx); err != nil {
			logger.Error(ctx, "第二阶段提交失败",
				logging.String("operation_id", sc.OperationID.String()),
				logging.Int("insert_record_count", insertRecords),
				logging.Error(err))
			return rows, errors.WrapError(err, errors.ErrCodeCommitPhase2,
				"第二阶段提交失败，主数据已落库但插入审计行丢失")
		}
		logger.Debug(ctx, "第二阶段提交完成",
			logging.String("operation_id", sc.OperationID.String()),
			logging.Int("insert_record_count", insertRecords))
	}

	return rows, nil
}

// SaveAsync 异步执行保存，结果通过通道返回。
// 状态序列与 Save 完全一致。
func (t *Tracker) SaveAsync(ctx context.Context, uow persistence.IUnitOfWork, opts ...SaveOption) <-chan SaveResult {
	result := make(chan SaveResult, 1)
	go func() {
		rows, err := t.Save(ctx, uow, opts...)
		result <- SaveResult{Rows: rows, Err: err}
		close(result)
	}()
	return result
}

// newSaveContext 解析本次保存的操作人与元数据。
// 操作人优先级：显式指定 > 解析回调 > 静态缺省 > 未知。
func (t *Tracker) newSaveContext(opts []SaveOption) *audit.SaveContext {
	var options saveOptions
	for _, opt := range opts {
		opt(&options)
	}

	username := options.username
	if username == nil && t.usernameResolver != nil {
		username = t.usernameResolver()
	}
	if username == nil {
		username = t.defaultUsername
	}

	var metadata *audit.Metadata
	if t.metadataProvider != nil {
		metadata = audit.NewMetadata()
		t.metadataProvider(metadata)
	}

	return audit.NewSaveContext(username, metadata)
}

// resolve 解析变更对应的追踪策略描述符
func (t *Tracker) resolve(m persistence.Mutation) *policy.Descriptor {
	if m.Model != nil {
		return t.registry.Resolve(m.Model)
	}
	return t.registry.ResolveName(m.EntityType)
}

// publish 发布审计记录通知。订阅者失败使保存整体失败。
func (t *Tracker) publish(ctx context.Context, record *audit.Record) error {
	if t.bus == nil {
		return nil
	}
	if err := t.bus.PublishRecord(ctx, record); err != nil {
		t.logger.Warn(ctx, "审计通知订阅者失败",
			logging.Int64("record_id", record.ID),
			logging.String("entity_type", record.EntityType),
			logging.Error(err))
		return errors.WrapError(err, errors.ErrCodeSubscriber, "审计通知订阅者失败")
	}
	return nil
}
