package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type metaKind uint8

const (
	metaString metaKind = iota
	metaInt
	metaFloat
	metaBool
	metaTime
)

// MetaValue 元数据值，限定为可序列化的封闭变体集合：
// 字符串 / 整数 / 浮点 / 布尔 / 时间戳。
type MetaValue struct {
	kind metaKind
	s    string
	i    int64
	f    float64
	b    bool
	t    time.Time
}

func MetaString(v string) MetaValue  { return MetaValue{kind: metaString, s: v} }
func MetaInt(v int64) MetaValue      { return MetaValue{kind: metaInt, i: v} }
func MetaFloat(v float64) MetaValue  { return MetaValue{kind: metaFloat, f: v} }
func MetaBool(v bool) MetaValue      { return MetaValue{kind: metaBool, b: v} }
func MetaTime(v time.Time) MetaValue { return MetaValue{kind: metaTime, t: v.UTC()} }

func (v MetaValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case metaString:
		return json.Marshal(v.s)
	case metaInt:
		return json.Marshal(v.i)
	case metaFloat:
		return json.Marshal(v.f)
	case metaBool:
		return json.Marshal(v.b)
	case metaTime:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	}
	return nil, fmt.Errorf("unknown meta value kind %d", v.kind)
}

// String 元数据值的文本形式（用于日志）
func (v MetaValue) String() string {
	switch v.kind {
	case metaString:
		return v.s
	case metaInt:
		return fmt.Sprint(v.i)
	case metaFloat:
		return fmt.Sprint(v.f)
	case metaBool:
		return fmt.Sprint(v.b)
	case metaTime:
		return v.t.Format(time.RFC3339Nano)
	}
	return ""
}

// Metadata 开放式键值元数据袋。
// 每次保存操作构造一个空袋，交由配置回调填充；
// 同一次保存产生的所有审计记录共享同一个袋实例，填充完成后只读。
type Metadata struct {
	values map[string]MetaValue
}

// NewMetadata 创建空的元数据袋
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]MetaValue)}
}

// SetString 写入字符串值
func (m *Metadata) SetString(key, value string) *Metadata {
	m.values[key] = MetaString(value)
	return m
}

// SetInt 写入整数值
func (m *Metadata) SetInt(key string, value int64) *Metadata {
	m.values[key] = MetaInt(value)
	return m
}

// SetFloat 写入浮点值
func (m *Metadata) SetFloat(key string, value float64) *Metadata {
	m.values[key] = MetaFloat(value)
	return m
}

// SetBool 写入布尔值
func (m *Metadata) SetBool(key string, value bool) *Metadata {
	m.values[key] = MetaBool(value)
	return m
}

// SetTime 写入时间戳值
func (m *Metadata) SetTime(key string, value time.Time) *Metadata {
	m.values[key] = MetaTime(value)
	return m
}

// Get 读取指定键
func (m *Metadata) Get(key string) (MetaValue, bool) {
	if m == nil {
		return MetaValue{}, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Len 键数量
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.values)
}

// Keys 返回排序后的键列表
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m.values)
}
