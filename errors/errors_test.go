package errors

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapError_PreservesCause(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := WrapError(cause, ErrCodeCommitPhase1, "提交失败")

	require.Error(t, err)
	assert.True(t, stdErrors.Is(err, cause), "原始错误应可通过 errors.Is 命中")
	assert.Equal(t, ErrCodeCommitPhase1, GetErrorCode(err))
	assert.True(t, IsCommitPhase1(err))
	assert.False(t, IsCommitPhase2(err))
}

func TestWrapError_NilCause(t *testing.T) {
	if err := WrapError(nil, ErrCodeCommitPhase2, "x"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestCancelledCode(t *testing.T) {
	err := WrapError(context.Canceled, ErrCodeCancelled, "保存开始前已取消")
	assert.True(t, IsCancelled(err))
	assert.True(t, stdErrors.Is(err, context.Canceled))
	// 取消不是提交失败
	assert.False(t, IsCommitPhase1(err))
}

func TestWithContext_DoesNotMutateOriginal(t *testing.T) {
	err := NewError(ErrCodeConfiguration, "字段不存在")
	derived := err.WithContext("field", "Notes")

	assert.Empty(t, err.Details())
	assert.Equal(t, "Notes", derived.Details()["field"])
	assert.Equal(t, ErrCodeConfiguration, derived.Code())
}

func TestIs_MatchesByCode(t *testing.T) {
	a := NewError(ErrCodeSubscriber, "handler a failed")
	b := NewError(ErrCodeSubscriber, "handler b failed")
	assert.True(t, stdErrors.Is(a, b))
}
