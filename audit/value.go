// Package audit 定义审计记录的核心数据模型：
// 字段值快照、字段变更、审计记录、元数据袋与保存上下文。
package audit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// FieldValue 是字段值的三态文本快照：
//   - 缺省（absent）：该侧没有值，例如 Insert 的旧值、Delete 的新值；
//   - 显式空（null）：字段值本身为 nil，必须与空字符串区分；
//   - 文本（text）：字段值的稳定文本形式。
type FieldValue struct {
	set  bool
	null bool
	text string
}

// AbsentValue 缺省值
func AbsentValue() FieldValue { return FieldValue{} }

// NullValue 显式空值
func NullValue() FieldValue { return FieldValue{set: true, null: true} }

// TextValue 文本值
func TextValue(s string) FieldValue { return FieldValue{set: true, text: s} }

// IsSet 是否有值（显式空也算有值）
func (v FieldValue) IsSet() bool { return v.set }

// IsNull 是否为显式空值
func (v FieldValue) IsNull() bool { return v.set && v.null }

// Text 返回文本形式；缺省或显式空时返回空串，调用方需先判断状态
func (v FieldValue) Text() string { return v.text }

// Equal 按状态与文本比较两个快照
func (v FieldValue) Equal(other FieldValue) bool {
	return v.set == other.set && v.null == other.null && v.text == other.text
}

func (v FieldValue) String() string {
	if !v.set {
		return "<absent>"
	}
	if v.null {
		return "<null>"
	}
	return v.text
}

// raw 返回 JSON 线格式：缺省 → nil（调用方省略该键），空 → null，文本 → 引号字符串
func (v FieldValue) raw() (json.RawMessage, error) {
	if !v.set {
		return nil, nil
	}
	if v.null {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v.text)
}

func fieldValueFromRaw(raw json.RawMessage) (FieldValue, error) {
	if len(raw) == 0 {
		return AbsentValue(), nil
	}
	if string(raw) == "null" {
		return NullValue(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return FieldValue{}, err
	}
	return TextValue(s), nil
}

// Capture 将任意字段值转换为稳定的文本快照。
// nil 与 nil 指针归一化为显式空值；时间统一为 UTC RFC3339Nano；
// 其余标量走 strconv，复合类型回退到 JSON 编码。
func Capture(value any) FieldValue {
	if value == nil {
		return NullValue()
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return NullValue()
		}
		rv = rv.Elem()
	}

	switch v := rv.Interface().(type) {
	case time.Time:
		return TextValue(v.UTC().Format(time.RFC3339Nano))
	case string:
		return TextValue(v)
	case bool:
		return TextValue(strconv.FormatBool(v))
	case []byte:
		return TextValue(base64.StdEncoding.EncodeToString(v))
	}

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return TextValue(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TextValue(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32:
		return TextValue(strconv.FormatFloat(rv.Float(), 'g', -1, 32))
	case reflect.Float64:
		return TextValue(strconv.FormatFloat(rv.Float(), 'g', -1, 64))
	}

	if s, ok := rv.Interface().(fmt.Stringer); ok {
		return TextValue(s.String())
	}

	if b, err := json.Marshal(rv.Interface()); err == nil {
		return TextValue(string(b))
	}
	return TextValue(fmt.Sprint(rv.Interface()))
}
