// Package persistence 定义审计核心对持久化协作方的最小契约。
// 审计核心不关心存储技术，只要求协作方能：
// 暴露待提交变更、附带提交审计记录、执行提交并返回行数、
// 在提交完成后提供插入实体的生成标识。
package persistence

import (
	"context"

	"gotrack/audit"
)

// FieldState 待提交变更中单个字段的原值/现值。
// Insert 只有现值，Delete 只有原值，Update 两者兼有。
// 值保持原始 Go 类型，文本化由差异引擎完成。
type FieldState struct {
	Name        string
	Original    any
	Current     any
	HasOriginal bool
	HasCurrent  bool
}

// Mutation 一次待提交的实体变更快照。
// 仅在一次保存操作期间存活，从不持久化。
type Mutation struct {
	// Model 实体实例，用于追踪策略解析，
	// 同时作为 GeneratedIdentity 的关联键。
	Model any

	// EntityType 实体类型名
	EntityType string

	// Kind 变更类型
	Kind audit.Kind

	// EntityID 主键的字符串形式。
	// Update/Delete 在提交前即可知；Insert 在第一阶段提交前为空。
	EntityID string

	// Fields 字段状态，顺序即审计记录中字段变更的顺序
	Fields []FieldState
}

// IUnitOfWork 持久化协作方契约。
// 协作方自行负责每次 Commit 的事务纪律与写串行化，
// 审计核心不在存储层面引入额外锁。
type IUnitOfWork interface {
	// PendingMutations 枚举当前待提交的实体变更
	PendingMutations() []Mutation

	// QueueAuditRecords 接受一批审计记录，随下一次 Commit 一同落库
	QueueAuditRecords(records ...*audit.Record)

	// Commit 执行一次底层提交，返回受影响行数。
	// 阻塞与挂起式调用方都通过 ctx 走同一入口。
	Commit(ctx context.Context) (int64, error)

	// GeneratedIdentity 在提交完成后返回 Insert 实体的生成标识。
	// 以 Mutation.Model 为关联键；在对应提交完成前调用是协作方实现错误。
	GeneratedIdentity(m Mutation) (string, error)
}
