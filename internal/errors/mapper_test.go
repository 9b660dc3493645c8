package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"launch", Launch("script missing"), "ErrLaunch"},
		{"handshake", Handshake("no capabilities"), "ErrHandshake"},
		{"timeout", Timeout("tools/call"), "ErrTimeout"},
		{"protocol", Protocol("bad frame"), "ErrProtocol"},
		{"unknown tool", UnknownTool("unknown_tool"), "ErrUnknownTool"},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), "Canceled"},
		{"orchestration wins over cause", WrapWithCategory(Timeout("call"), "run aborted", ErrOrchestration), "ErrOrchestration"},
		{"plain", errors.New("boom"), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Category(tt.err))
		})
	}
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(ToolInvocation("division by zero")))
	assert.True(t, IsRecoverable(UnknownTool("nope")))
	assert.False(t, IsRecoverable(Protocol("eof")))
	assert.False(t, IsRecoverable(Timeout("slow")))
	assert.False(t, IsRecoverable(nil))
}

func TestIsFatalToSession(t *testing.T) {
	assert.True(t, IsFatalToSession(Protocol("eof")))
	assert.True(t, IsFatalToSession(Timeout("slow")))
	assert.False(t, IsFatalToSession(ToolInvocation("bad args")))
	assert.False(t, IsFatalToSession(nil))
}

func TestWrapWithCategoryKeepsBothChains(t *testing.T) {
	cause := context.DeadlineExceeded
	err := WrapWithCategory(cause, "tools/call", ErrTimeout)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, WrapWithCategory(nil, "noop", ErrTimeout))
}
