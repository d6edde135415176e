package audit

import (
	"time"

	"github.com/google/uuid"
)

// SaveContext 一次保存操作的上下文。
// 生命周期严格限定在一次两阶段提交序列内，结束后即丢弃。
type SaveContext struct {
	// OperationID 本次保存操作的唯一标识，
	// 同一次保存产生的所有审计记录携带相同的 OperationID。
	OperationID uuid.UUID

	// Username 已解析的操作人；nil 表示未知（记录为 null，不是错误）
	Username *string

	// Metadata 已填充的元数据袋
	Metadata *Metadata

	// StartedAt 保存开始时间，作为本次所有审计记录的时间戳
	StartedAt time.Time
}

// NewSaveContext 创建保存上下文
func NewSaveContext(username *string, metadata *Metadata) *SaveContext {
	return &SaveContext{
		OperationID: uuid.New(),
		Username:    username,
		Metadata:    metadata,
		StartedAt:   time.Now().UTC(),
	}
}
