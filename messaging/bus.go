package messaging

import (
	"context"
	"sync"
	"time"

	"gotrack/logging"
)

// HandlerFunc 中间件链中的基本执行单元
type HandlerFunc func(ctx context.Context, message IMessage) error

// IMiddleware 消息总线中间件接口
type IMiddleware interface {
	Handle(ctx context.Context, message IMessage, next HandlerFunc) error
	Name() string
}

// IMessageBus 消息总线接口
type IMessageBus interface {
	Subscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Unsubscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
	Use(middleware IMiddleware)
}

// MessageBus 消息总线基础实现。
// 实际投递交给 Transport，发布前依次执行中间件。
type MessageBus struct {
	transport   Transport
	middlewares []IMiddleware
	mutex       sync.RWMutex
}

// NewMessageBus 创建消息总线
func NewMessageBus(transport Transport) *MessageBus {
	return &MessageBus{
		transport:   transport,
		middlewares: make([]IMiddleware, 0),
	}
}

// Use 注册中间件
func (bus *MessageBus) Use(middleware IMiddleware) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.middlewares = append(bus.middlewares, middleware)
}

// Subscribe 订阅消息处理器
func (bus *MessageBus) Subscribe(ctx context.Context, messageType string, handler IMessageHandler) error {
	return bus.transport.Subscribe(messageType, handler)
}

// Unsubscribe 取消订阅消息处理器
func (bus *MessageBus) Unsubscribe(ctx context.Context, messageType string, handler IMessageHandler) error {
	return bus.transport.Unsubscribe(messageType, handler)
}

// Publish 发布消息，发送到 Transport 前先执行中间件
func (bus *MessageBus) Publish(ctx context.Context, message IMessage) error {
	finalHandler := func(ctx context.Context, msg IMessage) error {
		return bus.transport.Publish(ctx, msg)
	}
	return bus.executeMiddlewares(ctx, message, finalHandler)
}

// PublishAll 发布多个消息
func (bus *MessageBus) PublishAll(ctx context.Context, messages []IMessage) error {
	for _, message := range messages {
		if err := bus.Publish(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// executeMiddlewares 构建并执行中间件链
func (bus *MessageBus) executeMiddlewares(ctx context.Context, message IMessage, finalHandler HandlerFunc) error {
	bus.mutex.RLock()
	middlewares := bus.middlewares
	bus.mutex.RUnlock()

	if len(middlewares) == 0 {
		return finalHandler(ctx, message)
	}

	next := finalHandler
	for i := len(middlewares) - 1; i >= 0; i-- {
		middleware := middlewares[i]
		currentNext := next
		next = func(ctx context.Context, msg IMessage) error {
			return middleware.Handle(ctx, msg, currentNext)
		}
	}
	return next(ctx, message)
}

// LoggingMiddleware 记录每条通知的发布耗时
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware 创建日志中间件
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Name() string { return "logging" }

func (m *LoggingMiddleware) Handle(ctx context.Context, message IMessage, next HandlerFunc) error {
	start := time.Now()
	err := next(ctx, message)
	fields := []logging.Field{
		logging.String("message_id", message.GetID()),
		logging.String("message_type", message.GetType()),
		logging.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		m.logger.Warn(ctx, "通知发布失败", append(fields, logging.Error(err))...)
		return err
	}
	m.logger.Debug(ctx, "通知已发布", fields...)
	return nil
}
