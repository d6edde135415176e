package messaging

import (
	"context"
	"reflect"
)

// IMessageHandler 消息处理器接口
type IMessageHandler interface {
	// Handle 处理消息
	Handle(ctx context.Context, message IMessage) error

	// Type 返回处理器类型（用于日志和调试）
	Type() string
}

// SameHandler 判断两个处理器是否为同一注册值，供 Unsubscribe 使用。
// 接口 == 对函数等不可比较的动态类型会 panic，
// 函数类型的处理器退化为代码指针比较。
func SameHandler(a, b IMessageHandler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta == nil {
		return true
	}
	if ta.Comparable() {
		return a == b
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	return false
}
