// Package memory 提供内存版持久化协作方实现。
// 用于测试与示例，同时作为协作方语义的参考实现：
// 变更暂存、附带审计记录提交、插入实体的自增主键分配。
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"gotrack/audit"
	"gotrack/persistence"
)

// 主键字段名约定，参考实现只识别 int64 类型的 ID 字段
const idField = "ID"

// AuditSink 审计记录落库接口。
// 配置后，提交时附带的审计记录会同步写入该存储。
type AuditSink interface {
	SaveRecords(ctx context.Context, records ...*audit.Record) error
}

type staged struct {
	model    any
	kind     audit.Kind
	original map[string]any
}

// UnitOfWork 内存工作单元
type UnitOfWork struct {
	mu         sync.Mutex
	pending    []*staged
	queued     []*audit.Record
	committed  []*audit.Record
	identities map[any]string
	nextID     int64
	commits    int
	sink       AuditSink

	// 测试用错误注入：第 failOnCommit 次提交（1 起算）返回 commitErr
	failOnCommit int
	commitErr    error
}

// NewUnitOfWork 创建内存工作单元
func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{
		identities: make(map[any]string),
		nextID:     1,
	}
}

// WithAuditSink 配置审计记录落库存储
func (u *UnitOfWork) WithAuditSink(sink AuditSink) *UnitOfWork {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sink = sink
	return u
}

// FailOnCommit 注入提交失败：第 n 次提交（1 起算）返回 err
func (u *UnitOfWork) FailOnCommit(n int, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failOnCommit = n
	u.commitErr = err
}

// Insert 暂存一个新实体。主键在提交时分配。
func (u *UnitOfWork) Insert(model any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending = append(u.pending, &staged{model: model, kind: audit.KindInsert})
}

// Update 暂存一个已有实体的修改。
// 调用时对当前字段值做原值快照，之后对实体的修改即为"现值"。
func (u *UnitOfWork) Update(model any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending = append(u.pending, &staged{
		model:    model,
		kind:     audit.KindUpdate,
		original: snapshot(model),
	})
}

// Delete 暂存一个实体删除，原值在调用时快照
func (u *UnitOfWork) Delete(model any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending = append(u.pending, &staged{
		model:    model,
		kind:     audit.KindDelete,
		original: snapshot(model),
	})
}

// PendingMutations 实现 persistence.IUnitOfWork
func (u *UnitOfWork) PendingMutations() []persistence.Mutation {
	u.mu.Lock()
	defer u.mu.Unlock()

	mutations := make([]persistence.Mutation, 0, len(u.pending))
	for _, s := range u.pending {
		mutations = append(mutations, u.buildMutation(s))
	}
	return mutations
}

// QueueAuditRecords 实现 persistence.IUnitOfWork
func (u *UnitOfWork) QueueAuditRecords(records ...*audit.Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.queued = append(u.queued, records...)
}

// Commit 实现 persistence.IUnitOfWork。
// 受影响行数 = 实体变更数 + 本次附带提交的审计记录数。
func (u *UnitOfWork) Commit(ctx context.Context) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.commits++
	if u.failOnCommit > 0 && u.commits == u.failOnCommit {
		return 0, u.commitErr
	}

	rows := int64(len(u.pending) + len(u.queued))

	// 为新插入的实体分配自增主键
	for _, s := range u.pending {
		if s.kind != audit.KindInsert {
			continue
		}
		id := u.assignIdentity(s.model)
		u.identities[s.model] = id
	}

	if len(u.queued) > 0 && u.sink != nil {
		if err := u.sink.SaveRecords(ctx, u.queued...); err != nil {
			return 0, err
		}
	}

	u.committed = append(u.committed, u.queued...)
	u.pending = nil
	u.queued = nil
	return rows, nil
}

// GeneratedIdentity 实现 persistence.IUnitOfWork
func (u *UnitOfWork) GeneratedIdentity(m persistence.Mutation) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if id, ok := u.identities[m.Model]; ok {
		return id, nil
	}
	return "", fmt.Errorf("no generated identity for %s mutation, commit it first", m.EntityType)
}

// CommittedRecords 返回已落库的审计记录（测试与示例用）
func (u *UnitOfWork) CommittedRecords() []*audit.Record {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*audit.Record, len(u.committed))
	copy(out, u.committed)
	return out
}

// Commits 返回已执行的提交次数
func (u *UnitOfWork) Commits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.commits
}

func (u *UnitOfWork) buildMutation(s *staged) persistence.Mutation {
	m := persistence.Mutation{
		Model:      s.model,
		EntityType: typeName(s.model),
		Kind:       s.kind,
	}

	if s.kind != audit.KindInsert {
		m.EntityID = identityOf(s.model)
	} else if id, ok := u.identities[s.model]; ok {
		m.EntityID = id
	}

	current := snapshot(s.model)
	for _, name := range fieldNames(s.model) {
		if name == idField {
			continue
		}
		fs := persistence.FieldState{Name: name}
		switch s.kind {
		case audit.KindInsert:
			fs.Current, fs.HasCurrent = current[name], true
		case audit.KindDelete:
			fs.Original, fs.HasOriginal = s.original[name], true
		default:
			fs.Original, fs.HasOriginal = s.original[name], true
			fs.Current, fs.HasCurrent = current[name], true
		}
		m.Fields = append(m.Fields, fs)
	}
	return m
}

// assignIdentity 为插入实体分配主键。
// 实体的 ID 字段为可写 int64 且为零时写入自增值，否则沿用现有值。
func (u *UnitOfWork) assignIdentity(model any) string {
	rv := reflect.ValueOf(model)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		f := rv.FieldByName(idField)
		if f.IsValid() && f.Kind() == reflect.Int64 {
			if f.Int() == 0 && f.CanSet() {
				f.SetInt(u.nextID)
				u.nextID++
			}
			return fmt.Sprint(f.Int())
		}
	}
	id := fmt.Sprint(u.nextID)
	u.nextID++
	return id
}

func identityOf(model any) string {
	rv := reflect.ValueOf(model)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		f := rv.FieldByName(idField)
		if f.IsValid() {
			return fmt.Sprint(f.Interface())
		}
	}
	return ""
}

func typeName(model any) string {
	t := reflect.TypeOf(model)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}

// snapshot 反射读取导出字段的当前值
func snapshot(model any) map[string]any {
	rv := reflect.ValueOf(model)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	out := make(map[string]any)
	if rv.Kind() != reflect.Struct {
		return out
	}
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		out[t.Field(i).Name] = rv.Field(i).Interface()
	}
	return out
}

// fieldNames 导出字段名，保持结构体声明顺序
func fieldNames(model any) []string {
	t := reflect.TypeOf(model)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			names = append(names, t.Field(i).Name)
		}
	}
	return names
}
