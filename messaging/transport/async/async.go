// Package async 提供基于内存队列与 Worker 池的异步消息传输。
// 用于将审计记录在保存路径之外转发给进程内观察者：
// 发布方不等待处理器执行，处理器错误只记日志、不影响保存结果。
package async

import (
	"context"
	"fmt"
	"sync"

	"gotrack/errors"
	"gotrack/logging"
	"gotrack/messaging"
)

const (
	defaultQueueSize   = 1000
	defaultWorkerCount = 4
)

// AsyncTransport 异步内存传输
type AsyncTransport struct {
	handlers    map[string][]messaging.IMessageHandler
	queue       chan messaging.IMessage
	queueSize   int
	workerCount int
	logger      logging.Logger

	running bool
	mutex   sync.RWMutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAsyncTransport 创建异步传输实例。
// queueSize/workerCount 非正数时使用默认值。
func NewAsyncTransport(queueSize, workerCount int) *AsyncTransport {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	return &AsyncTransport{
		handlers:    make(map[string][]messaging.IMessageHandler),
		queueSize:   queueSize,
		workerCount: workerCount,
		logger:      logging.GetLogger().WithFields(logging.String("component", "transport.async")),
	}
}

// Publish 将消息入队，不等待处理。队列满时返回错误而不是阻塞保存路径。
func (t *AsyncTransport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mutex.RLock()
	running := t.running
	queue := t.queue
	t.mutex.RUnlock()

	if !running {
		return fmt.Errorf("async transport is not running")
	}

	select {
	case queue <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.NewError(errors.ErrCodeQueue,
			fmt.Sprintf("async transport queue is full (size %d)", t.queueSize))
	}
}

// PublishAll 批量入队
func (t *AsyncTransport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, message := range messages {
		if err := t.Publish(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe 订阅消息处理器
func (t *AsyncTransport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	return nil
}

// Unsubscribe 取消订阅消息处理器
func (t *AsyncTransport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	handlers := t.handlers[messageType]
	for i, h := range handlers {
		if messaging.SameHandler(h, handler) {
			t.handlers[messageType] = append(handlers[:i], handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler not found for message type %s", messageType)
}

// Start 启动 Worker 池
func (t *AsyncTransport) Start(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.running {
		return fmt.Errorf("async transport is already running")
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.queue = make(chan messaging.IMessage, t.queueSize)
	t.running = true

	for i := 0; i < t.workerCount; i++ {
		t.wg.Add(1)
		go t.worker(workerCtx)
	}
	return nil
}

// Close 停止接收新消息并等待在途消息处理完成
func (t *AsyncTransport) Close() error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return fmt.Errorf("async transport is not running")
	}
	t.running = false
	close(t.queue)
	t.mutex.Unlock()

	t.wg.Wait()
	t.cancel()
	return nil
}

// Stats 返回统计信息
func (t *AsyncTransport) Stats() messaging.TransportStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	handlerCount := 0
	messageTypes := make([]string, 0, len(t.handlers))
	for mt, h := range t.handlers {
		messageTypes = append(messageTypes, mt)
		handlerCount += len(h)
	}

	depth := 0
	if t.queue != nil {
		depth = len(t.queue)
	}
	return messaging.TransportStats{
		Running:      t.running,
		HandlerCount: handlerCount,
		MessageTypes: messageTypes,
		QueueSize:    t.queueSize,
		QueueDepth:   depth,
		WorkerCount:  t.workerCount,
	}
}

func (t *AsyncTransport) worker(ctx context.Context) {
	defer t.wg.Done()
	for message := range t.queue {
		t.dispatch(ctx, message)
	}
}

func (t *AsyncTransport) dispatch(ctx context.Context, message messaging.IMessage) {
	t.mutex.RLock()
	exact := t.handlers[message.GetType()]
	wildcard := t.handlers["*"]
	handlers := make([]messaging.IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	t.mutex.RUnlock()

	for _, handler := range handlers {
		if err := handler.Handle(ctx, message); err != nil {
			// 异步路径的处理器错误不回传发布方
			t.logger.Warn(ctx, "异步处理器执行失败",
				logging.String("message_id", message.GetID()),
				logging.String("message_type", message.GetType()),
				logging.String("handler", handler.Type()),
				logging.Error(err))
		}
	}
}
