// Package messaging 提供审计通知的消息抽象：
// 消息、处理器、总线与可插拔的传输层。
package messaging

import (
	"time"
)

// 消息类型常量
const (
	// MessageTypeRecordProduced 审计记录产生通知
	MessageTypeRecordProduced = "audit.record_produced"
)

// IMessage 消息接口
type IMessage interface {
	// GetID 获取消息ID
	GetID() string

	// GetType 获取消息类型
	GetType() string

	// GetTimestamp 获取时间戳
	GetTimestamp() time.Time

	// GetPayload 获取消息数据
	GetPayload() any

	// GetMetadata 获取元数据
	GetMetadata() map[string]any
}

// Message 消息基础实现
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// OperationID 产生该消息的保存操作标识
	OperationID string `json:"operation_id,omitempty"`
}

// GetID 获取消息ID
func (m *Message) GetID() string {
	return m.ID
}

// GetType 获取消息类型
func (m *Message) GetType() string {
	return m.Type
}

// GetTimestamp 获取时间戳
func (m *Message) GetTimestamp() time.Time {
	return m.Timestamp
}

// GetPayload 获取消息数据
func (m *Message) GetPayload() any {
	return m.Payload
}

// GetMetadata 获取元数据
func (m *Message) GetMetadata() map[string]any {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return m.Metadata
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// NewMessage 创建新消息
func NewMessage(messageID, messageType string, payload any) *Message {
	return &Message{
		ID:        messageID,
		Type:      messageType,
		Timestamp: time.Now(),
		Payload:   payload,
		Metadata:  make(map[string]any),
	}
}
