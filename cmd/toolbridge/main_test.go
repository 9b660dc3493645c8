package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/formatter"
	"github.com/harunnryd/toolbridge/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConversation() *conversation.Conversation {
	conv := conversation.New("what is 2+2?")
	conv.Append(conversation.AssistantText("4"))
	return conv
}

func TestWriteConversationToStdout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeConversation(&buf, "", sampleConversation()))

	var decoded map[string][]map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded["messages"], 2)
}

func TestWriteConversationToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "conv.json")
	var buf bytes.Buffer

	require.NoError(t, writeConversation(&buf, out, sampleConversation()))
	assert.Equal(t, "4\n", buf.String())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"messages"`)
	assert.Contains(t, string(data), "what is 2+2?")
}

func TestWriteConversationReplacesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "conv.json")
	require.NoError(t, os.WriteFile(out, []byte("stale"), 0o644))

	require.NoError(t, writeConversation(&bytes.Buffer{}, out, sampleConversation()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale")
}

func TestRenderTools(t *testing.T) {
	tools := []session.ToolDescriptor{
		{Name: "calculator", Description: "Add two numbers", ArgumentSchema: map[string]any{"type": "object"}},
		{Name: "get_alerts", Description: "Alerts for a US state", ArgumentSchema: map[string]any{"type": "object"}},
	}
	f, err := formatter.New(formatter.OutputFormatJSON)
	require.NoError(t, err)

	all, err := renderTools(f, tools, nil)
	require.NoError(t, err)
	assert.Contains(t, all, "calculator")
	assert.Contains(t, all, "get_alerts")

	one, err := renderTools(f, tools, []string{"get_alerts"})
	require.NoError(t, err)
	assert.Contains(t, one, "Alerts for a US state")
	assert.NotContains(t, one, "calculator")

	_, err = renderTools(f, tools, []string{"missing"})
	assert.ErrorIs(t, err, tbErrors.ErrUnknownTool)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "toolbridge dev\n", buf.String())
}

func TestSignalHandlerStopCancelsContext(t *testing.T) {
	sig := NewSignalHandler(context.Background())
	sig.Start()

	select {
	case <-sig.Context().Done():
		t.Fatal("context cancelled before Stop")
	default:
	}

	sig.Stop()

	select {
	case <-sig.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Stop")
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "query", "tools", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	for _, flag := range []string{"config", "server.log_level", "toolhost.script_path"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}
