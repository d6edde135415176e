// Package notify 提供审计通知的类型安全包装器，它围绕通用 MessageBus
// 以审计记录为单位进行发布与订阅。
package notify

import (
	"context"
	"fmt"
	"strconv"

	"gotrack/audit"
	"gotrack/messaging"
)

// RecordEvent 审计记录产生事件
type RecordEvent struct {
	messaging.Message
	Record *audit.Record
}

// NewRecordEvent 从审计记录创建事件
func NewRecordEvent(record *audit.Record) *RecordEvent {
	evt := &RecordEvent{
		Message: *messaging.NewMessage(
			strconv.FormatInt(record.ID, 10),
			messaging.MessageTypeRecordProduced,
			record,
		),
		Record: record,
	}
	evt.Message.OperationID = record.OperationID
	return evt
}

// IRecordHandler 审计记录处理器接口
type IRecordHandler interface {
	messaging.IMessageHandler
	HandleRecord(ctx context.Context, record *audit.Record) error
	GetHandlerName() string
}

// RecordHandlerFunc 审计记录处理器函数类型
type RecordHandlerFunc func(ctx context.Context, record *audit.Record) error

func (f RecordHandlerFunc) HandleRecord(ctx context.Context, record *audit.Record) error {
	return f(ctx, record)
}

func (f RecordHandlerFunc) Handle(ctx context.Context, message messaging.IMessage) error {
	record, err := RecordFromMessage(message)
	if err != nil {
		return err
	}
	return f(ctx, record)
}

func (f RecordHandlerFunc) GetHandlerName() string { return "RecordHandlerFunc" }
func (f RecordHandlerFunc) Type() string           { return messaging.MessageTypeRecordProduced }

// RecordFromMessage 从消息中取出审计记录
func RecordFromMessage(message messaging.IMessage) (*audit.Record, error) {
	if evt, ok := message.(*RecordEvent); ok {
		return evt.Record, nil
	}
	if record, ok := message.GetPayload().(*audit.Record); ok {
		return record, nil
	}
	return nil, fmt.Errorf("message payload is not an audit record: %T", message.GetPayload())
}

// IRecordBus 审计通知总线接口
type IRecordBus interface {
	messaging.IMessageBus
	PublishRecord(ctx context.Context, record *audit.Record) error
	PublishRecords(ctx context.Context, records []*audit.Record) error
	SubscribeRecords(ctx context.Context, handler IRecordHandler) error
	UnsubscribeRecords(ctx context.Context, handler IRecordHandler) error
}

// RecordBus 是消息总线的类型安全包装器
type RecordBus struct {
	messaging.IMessageBus
}

// NewRecordBus 创建审计通知总线
func NewRecordBus(messageBus messaging.IMessageBus) *RecordBus {
	return &RecordBus{
		IMessageBus: messageBus,
	}
}

// PublishRecord 发布单条审计记录
func (rb *RecordBus) PublishRecord(ctx context.Context, record *audit.Record) error {
	return rb.IMessageBus.Publish(ctx, NewRecordEvent(record))
}

// PublishRecords 发布多条审计记录
func (rb *RecordBus) PublishRecords(ctx context.Context, records []*audit.Record) error {
	messages := make([]messaging.IMessage, len(records))
	for i, r := range records {
		messages[i] = NewRecordEvent(r)
	}
	return rb.IMessageBus.PublishAll(ctx, messages)
}

// SubscribeRecords 订阅审计记录处理器
func (rb *RecordBus) SubscribeRecords(ctx context.Context, handler IRecordHandler) error {
	return rb.IMessageBus.Subscribe(ctx, messaging.MessageTypeRecordProduced, handler)
}

// UnsubscribeRecords 取消订阅审计记录处理器
func (rb *RecordBus) UnsubscribeRecords(ctx context.Context, handler IRecordHandler) error {
	return rb.IMessageBus.Unsubscribe(ctx, messaging.MessageTypeRecordProduced, handler)
}
