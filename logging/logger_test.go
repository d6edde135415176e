package logging

import (
	"context"
	"sync"
	"testing"
)

type captureLogger struct {
	mu     sync.Mutex
	msgs   []string
	fields []Field
}

func (c *captureLogger) record(msg string, fields ...Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	c.fields = append(c.fields, fields...)
}

func (c *captureLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	c.record(msg, fields...)
}
func (c *captureLogger) Info(ctx context.Context, msg string, fields ...Field) {
	c.record(msg, fields...)
}
func (c *captureLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	c.record(msg, fields...)
}
func (c *captureLogger) Error(ctx context.Context, msg string, fields ...Field) {
	c.record(msg, fields...)
}
func (c *captureLogger) WithFields(fields ...Field) Logger { return c }

func TestGlobalLogger_SetAndGet(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	cl := &captureLogger{}
	SetLogger(cl)

	GetLogger().Info(context.Background(), "hello", String("k", "v"))

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.msgs) != 1 || cl.msgs[0] != "hello" {
		t.Fatalf("unexpected messages: %v", cl.msgs)
	}
	if len(cl.fields) != 1 || cl.fields[0].Key != "k" {
		t.Fatalf("unexpected fields: %v", cl.fields)
	}
}

func TestSetLogger_AcceptsDifferentImplementations(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	// 连续注册不同具体类型的实现不得 panic
	SetLogger(&captureLogger{})
	SetLogger(NewNoopLogger())
	SetLogger(NewStdLogger("other"))

	if GetLogger() == nil {
		t.Fatalf("global logger lost after successive replacements")
	}
}

func TestSetLogger_IgnoresNil(t *testing.T) {
	orig := GetLogger()
	defer SetLogger(orig)

	SetLogger(nil)
	if GetLogger() == nil {
		t.Fatalf("global logger replaced by nil")
	}
}

func TestStdLogger_WithFields(t *testing.T) {
	l := NewStdLogger("test")
	derived := l.WithFields(String("a", "1"))
	if derived == nil {
		t.Fatalf("WithFields returned nil")
	}
	// 派生 Logger 不应影响原实例
	if len(l.fields) != 0 {
		t.Fatalf("base logger mutated: %v", l.fields)
	}
}
