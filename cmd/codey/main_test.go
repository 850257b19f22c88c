package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcdent/codey/internal/common/config"
	"github.com/tcdent/codey/internal/common/logger"
	"github.com/tcdent/codey/internal/mockserver"
	"github.com/tcdent/codey/pkg/client"
	"github.com/tcdent/codey/pkg/protocol"
)

func testApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	srv := mockserver.New(mockserver.Config{})
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})

	cfg := &config.Config{
		Server: config.ServerConfig{
			URL:              "ws" + strings.TrimPrefix(hs.URL, "http"),
			HandshakeTimeout: 5 * time.Second,
		},
		Transcript: config.TranscriptConfig{Path: filepath.Join(t.TempDir(), "transcript.db")},
		NATS:       config.NATSConfig{SubjectPrefix: "codey"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	a := &app{cfg: cfg, log: logger.NewNop()}
	t.Cleanup(a.close)
	return a
}

func TestRunChat_TextAndCommands(t *testing.T) {
	a := testApp(t, nil)
	var out bytes.Buffer

	err := runChat(context.Background(), a, strings.NewReader("simple\n/ping\n/history\n/quit\n"), &out, nil)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "Connected to ")
	assert.Contains(t, got, "Hello\n")
	assert.Contains(t, got, "[tokens: 1 out")
	assert.Contains(t, got, "pong")
	assert.Contains(t, got, "user: simple")
	assert.Contains(t, got, "assistant: Hello")
}

func TestRunChat_ApprovalPrompt(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{"approve", "y", "✓ README.md"},
		{"deny", "n", "✗ Tool execution denied by user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testApp(t, nil)
			var out bytes.Buffer

			in := strings.NewReader("tool\n" + tt.answer + "\n")
			require.NoError(t, runChat(context.Background(), a, in, &out, nil))

			assert.Contains(t, out.String(), `Allow shell {"command":"ls"}? [y/N]`)
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestRunChat_AutoApproveSkipsPrompt(t *testing.T) {
	a := testApp(t, func(cfg *config.Config) { cfg.Session.AutoApprove = true })
	var out bytes.Buffer

	require.NoError(t, runChat(context.Background(), a, strings.NewReader("tool\n"), &out, nil))
	assert.NotContains(t, out.String(), "Allow shell")
	assert.Contains(t, out.String(), "✓ README.md")
}

func TestRunChat_FatalEndsSession(t *testing.T) {
	a := testApp(t, nil)
	var out bytes.Buffer

	err := runChat(context.Background(), a, strings.NewReader("fatal\nsimple\n"), &out, nil)
	require.Error(t, err)
	assert.Contains(t, out.String(), "fatal error: agent crashed")
	assert.NotContains(t, out.String(), "Hello")
}

func TestRunSend_RecordsTranscript(t *testing.T) {
	a := testApp(t, func(cfg *config.Config) { cfg.Transcript.Enabled = true })
	var out bytes.Buffer

	require.NoError(t, runSend(context.Background(), a, &out, "simple", nil))
	assert.Equal(t, "Hello\n", out.String())

	store, err := a.openStore()
	require.NoError(t, err)
	turns, err := store.ListTurns(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)

	var list bytes.Buffer
	printTurns(&list, turns)
	assert.Contains(t, list.String(), turns[0].ID)
	assert.Contains(t, list.String(), "finished")

	events, err := store.Events(context.Background(), turns[0].ID)
	require.NoError(t, err)
	var replay bytes.Buffer
	require.NoError(t, replayTurn(&replay, turns[0], events))
	assert.Contains(t, replay.String(), "> simple")
	assert.Contains(t, replay.String(), "Hello\n")
	assert.Contains(t, replay.String(), "ended: finished")
}

func TestRunSend_DeniesToolsByDefault(t *testing.T) {
	a := testApp(t, nil)
	var out bytes.Buffer

	require.NoError(t, runSend(context.Background(), a, &out, "tool", protocol.AgentIDPtr(0)))
	assert.Equal(t, "Listing files.Done.\n", out.String())
}

func TestRenderer(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)

	r.render(protocol.TextDelta{Content: "He"})
	r.render(protocol.TextDelta{Content: "llo"})
	r.render(protocol.ToolRequest{Calls: []protocol.ToolCallInfo{{Name: "shell", Params: []byte(`{"command":"ls"}`), Background: true}}})
	r.render(protocol.ToolError{Error: "denied"})
	r.render(protocol.Retrying{Attempt: 2, Error: "overloaded"})
	r.render(protocol.ErrorEvent{Message: "slow down"})
	r.render(protocol.Finished{Usage: protocol.Usage{OutputTokens: 3, ContextTokens: 100}})
	r.end()

	assert.Equal(t, strings.Join([]string{
		"Hello",
		`→ shell {"command":"ls"} [background]`,
		"✗ denied",
		"retrying (attempt 2): overloaded",
		"error: slow down",
		"[tokens: 3 out, 100 context]",
		"",
	}, "\n"), out.String())
}

func TestPromptDecider(t *testing.T) {
	req := protocol.ToolAwaitingApproval{CallID: "c1", Name: "shell", Params: []byte(`{}`)}
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		d := &promptDecider{lines: newLineReader(strings.NewReader(tt.input)), out: &out}
		assert.Equal(t, tt.want, d.Decide(context.Background(), req), "input %q", tt.input)
		assert.Contains(t, out.String(), "Allow shell? [y/N]")
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestAwaitReply_AnswersLeftoverApproval(t *testing.T) {
	a := testApp(t, func(cfg *config.Config) { cfg.Session.AutoApprove = true })
	opts, err := a.clientOptions()
	require.NoError(t, err)
	c := client.New(opts...)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer func() { _ = c.Disconnect() }()

	// a turn nobody reads as a stream
	require.NoError(t, c.SendMessage(ctx, "tool", nil))

	var out bytes.Buffer
	require.NoError(t, awaitReply(ctx, c, newRenderer(&out), protocol.TypeFinished))
	assert.Contains(t, out.String(), "✓")
}
