package audit

import (
	"encoding/json"
	"time"

	"gotrack/codegen/recordid"
)

// Kind 变更类型
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// FieldChange 单个字段的前后值变更。
// Insert 没有旧值，Delete 没有新值。
type FieldChange struct {
	Field string
	Old   FieldValue
	New   FieldValue
}

type fieldChangeWire struct {
	Field string          `json:"field"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// MarshalJSON 缺省侧省略键，显式空编码为 JSON null，保持与空串可区分
func (c FieldChange) MarshalJSON() ([]byte, error) {
	oldRaw, err := c.Old.raw()
	if err != nil {
		return nil, err
	}
	newRaw, err := c.New.raw()
	if err != nil {
		return nil, err
	}
	return json.Marshal(fieldChangeWire{Field: c.Field, Old: oldRaw, New: newRaw})
}

func (c *FieldChange) UnmarshalJSON(data []byte) error {
	var wire fieldChangeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	oldVal, err := fieldValueFromRaw(wire.Old)
	if err != nil {
		return err
	}
	newVal, err := fieldValueFromRaw(wire.New)
	if err != nil {
		return err
	}
	c.Field = wire.Field
	c.Old = oldVal
	c.New = newVal
	return nil
}

// Record 审计记录：一次被追踪变更的字段级前后值日志。
// 由差异引擎创建，提交编排器独占持有，交给持久化协作方落库后不再修改。
type Record struct {
	ID          int64         `json:"id"`
	EntityType  string        `json:"entity_type"`
	EntityID    string        `json:"entity_id"`
	Kind        Kind          `json:"kind"`
	Username    *string       `json:"username"`
	Timestamp   time.Time     `json:"timestamp"`
	OperationID string        `json:"operation_id"`
	Metadata    *Metadata     `json:"metadata,omitempty"`
	Changes     []FieldChange `json:"changes"`
}

// NewRecord 创建一条审计记录，身份标识（EntityID）由调用方在可知时填入。
// Insert 记录在第一阶段提交完成、主键生成之后才能补全 EntityID。
func NewRecord(entityType string, kind Kind, sc *SaveContext) *Record {
	r := &Record{
		ID:         recordid.Generate(),
		EntityType: entityType,
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
	}
	if sc != nil {
		r.Username = sc.Username
		r.Metadata = sc.Metadata
		r.OperationID = sc.OperationID.String()
		r.Timestamp = sc.StartedAt
	}
	return r
}

// HasField 判断记录中是否包含指定字段的变更条目
func (r *Record) HasField(name string) bool {
	for _, c := range r.Changes {
		if c.Field == name {
			return true
		}
	}
	return false
}

// Change 返回指定字段的变更条目
func (r *Record) Change(name string) (FieldChange, bool) {
	for _, c := range r.Changes {
		if c.Field == name {
			return c, true
		}
	}
	return FieldChange{}, false
}
