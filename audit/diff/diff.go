// Package diff 实现差异引擎：
// 将一条待提交变更按追踪策略转换为零或一条审计记录。
package diff

import (
	"gotrack/audit"
	"gotrack/audit/policy"
	"gotrack/persistence"
)

// Compute 计算一条变更的审计记录。
// 返回 false 表示本条变更不产生记录：类型未启用追踪，
// 或 Update 的所有可追踪字段均未实际变化（无操作抑制）。
//
// 规则：
//   - Delete：每个可追踪字段产生一条"原值→缺省"的变更；
//   - Update：仅字段文本快照确实不同的可追踪字段产生变更，零条则整条记录不产生；
//   - Insert：每个可追踪字段产生一条"缺省→现值"的变更，
//     实体标识此时可能未知，由提交编排器在第一阶段提交后补全。
//
// 被排除的字段在任何情况下都不会出现。
func Compute(m persistence.Mutation, d *policy.Descriptor, sc *audit.SaveContext) (*audit.Record, bool) {
	if !d.Enabled() {
		return nil, false
	}

	changes := make([]audit.FieldChange, 0, len(m.Fields))
	for _, f := range m.Fields {
		if !d.Trackable(f.Name) {
			continue
		}
		switch m.Kind {
		case audit.KindDelete:
			changes = append(changes, audit.FieldChange{
				Field: f.Name,
				Old:   audit.Capture(f.Original),
				New:   audit.AbsentValue(),
			})
		case audit.KindInsert:
			changes = append(changes, audit.FieldChange{
				Field: f.Name,
				Old:   audit.AbsentValue(),
				New:   audit.Capture(f.Current),
			})
		case audit.KindUpdate:
			oldVal := audit.Capture(f.Original)
			newVal := audit.Capture(f.Current)
			if oldVal.Equal(newVal) {
				continue
			}
			changes = append(changes, audit.FieldChange{Field: f.Name, Old: oldVal, New: newVal})
		}
	}

	if m.Kind == audit.KindUpdate && len(changes) == 0 {
		return nil, false
	}

	record := audit.NewRecord(d.Name(), m.Kind, sc)
	record.EntityID = m.EntityID
	record.Changes = changes
	return record, true
}
