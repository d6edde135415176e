// Package policy 提供实体级别的追踪策略：
// 哪些实体类型参与审计（显式注册，默认不追踪）、哪些字段被排除。
// 策略在注册时求值一次，之后以类型为键缓存，进程内全局共享。
package policy

import (
	"fmt"
	"reflect"
	"sync"

	"gotrack/errors"
)

// Descriptor 单个实体类型的追踪策略描述符。
// 注册时构建，之后不可变，可被任意多个保存操作并发读取。
type Descriptor struct {
	entityType reflect.Type
	name       string
	enabled    bool
	excluded   map[string]struct{}
}

// Enabled 该类型是否参与审计
func (d *Descriptor) Enabled() bool { return d != nil && d.enabled }

// Name 实体类型名
func (d *Descriptor) Name() string {
	if d == nil {
		return ""
	}
	return d.name
}

// Trackable 判断字段是否应出现在审计记录中
func (d *Descriptor) Trackable(field string) bool {
	if d == nil || !d.enabled {
		return false
	}
	_, excluded := d.excluded[field]
	return !excluded
}

// ExcludedFields 返回被排除的字段数（用于诊断）
func (d *Descriptor) ExcludedFields() int {
	if d == nil {
		return 0
	}
	return len(d.excluded)
}

// Registry 追踪策略注册表。
// 描述符缓存使用 sync.Map：描述符不可变且计算幂等，
// 并发重复计算无害，因此不需要全局互斥锁。
type Registry struct {
	descriptors sync.Map // reflect.Type -> *Descriptor
	byName      sync.Map // string -> *Descriptor
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{}
}

// Builder 类型追踪配置构建器
type Builder struct {
	registry   *Registry
	entityType reflect.Type
	excluded   []string
}

// Track 声明一个实体类型参与审计，model 传入该类型的零值实例
// （指针或值均可）。返回构建器以便继续配置排除字段。
func (r *Registry) Track(model any) *Builder {
	return &Builder{
		registry:   r,
		entityType: normalize(reflect.TypeOf(model)),
	}
}

// Exclude 声明若干字段不出现在任何审计记录中
func (b *Builder) Exclude(fields ...string) *Builder {
	b.excluded = append(b.excluded, fields...)
	return b
}

// Register 求值并缓存描述符。
// 排除的字段必须真实存在于实体类型上，否则视为配置错误立即返回。
func (b *Builder) Register() (*Descriptor, error) {
	t := b.entityType
	if t == nil || t.Kind() != reflect.Struct {
		return nil, errors.NewError(errors.ErrCodeConfiguration,
			fmt.Sprintf("追踪目标必须是结构体类型，got %v", t))
	}

	excluded := make(map[string]struct{}, len(b.excluded))
	for _, f := range b.excluded {
		if _, ok := t.FieldByName(f); !ok {
			return nil, errors.NewError(errors.ErrCodeConfiguration,
				fmt.Sprintf("排除字段 %s 在类型 %s 上不存在", f, t.Name())).
				WithContext("entity_type", t.Name()).
				WithContext("field", f)
		}
		excluded[f] = struct{}{}
	}

	d := &Descriptor{
		entityType: t,
		name:       t.Name(),
		enabled:    true,
		excluded:   excluded,
	}
	b.registry.descriptors.Store(t, d)
	b.registry.byName.Store(d.name, d)
	return d, nil
}

// MustRegister 注册描述符（配置错误 panic，适合启动期一次性配置）
func (b *Builder) MustRegister() *Descriptor {
	d, err := b.Register()
	if err != nil {
		panic(err)
	}
	return d
}

// Resolve 解析模型实例对应的描述符。
// 未注册的类型返回禁用描述符并缓存——不是错误，只是对该类型永不产生审计记录。
func (r *Registry) Resolve(model any) *Descriptor {
	t := normalize(reflect.TypeOf(model))
	if t == nil {
		return &Descriptor{}
	}
	if d, ok := r.descriptors.Load(t); ok {
		return d.(*Descriptor)
	}
	// 幂等填充：并发下重复计算同一个禁用描述符无害
	d := &Descriptor{entityType: t, name: t.Name()}
	actual, _ := r.descriptors.LoadOrStore(t, d)
	return actual.(*Descriptor)
}

// ResolveName 按实体类型名解析描述符（持久化协作方只携带类型名时使用）
func (r *Registry) ResolveName(name string) *Descriptor {
	if d, ok := r.byName.Load(name); ok {
		return d.(*Descriptor)
	}
	return &Descriptor{name: name}
}

func normalize(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// 进程级默认注册表
var defaultRegistry = NewRegistry()

// Default 返回进程级默认注册表
func Default() *Registry { return defaultRegistry }

// Track 在默认注册表上声明追踪类型
func Track(model any) *Builder { return defaultRegistry.Track(model) }

// Resolve 在默认注册表上解析描述符
func Resolve(model any) *Descriptor { return defaultRegistry.Resolve(model) }
