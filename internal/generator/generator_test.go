package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"
)

type stubMessages struct {
	gotParams sdk.MessageNewParams
	reply     string
	err       error
	calls     int
}

func (s *stubMessages) New(_ context.Context, params sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.calls++
	s.gotParams = params
	if s.err != nil {
		return nil, s.err
	}
	return &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: s.reply}}}, nil
}

func TestGenerate_ParsesStrictJSON(t *testing.T) {
	stub := &stubMessages{reply: `{"files":[{"path":"App.js","content":"export default 1","action":"update"}],"explanation":"tweaked"}`}
	g := New(stub, Options{Model: "claude-test", MaxTokens: 512})

	res, err := g.Generate(context.Background(), "change the app", nil)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	require.Equal(t, "App.js", res.Files[0].Path)
	require.Equal(t, ActionUpdate, res.Files[0].Action)
	require.Equal(t, "tweaked", res.Explanation)

	require.Equal(t, sdk.Model("claude-test"), stub.gotParams.Model)
	require.Equal(t, int64(512), stub.gotParams.MaxTokens)
	require.NotEmpty(t, stub.gotParams.System)
}

func TestGenerate_TolerantExtraction(t *testing.T) {
	stub := &stubMessages{reply: "Sure, here are the changes:\n```json\n" +
		`{"files":[{"path":"a.js","content":"x","action":"CREATE"}],"explanation":"ok"}` +
		"\n```\nLet me know if you need more."}
	g := New(stub, Options{})

	res, err := g.Generate(context.Background(), "do it", nil)
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	require.Equal(t, ActionCreate, res.Files[0].Action)
}

func TestGenerate_NormalizesMissingAction(t *testing.T) {
	stub := &stubMessages{reply: `{"files":[{"path":"b.js","content":"y"}],"explanation":"ok"}`}
	g := New(stub, Options{})

	res, err := g.Generate(context.Background(), "do it", nil)
	require.NoError(t, err)
	require.Equal(t, ActionCreate, res.Files[0].Action)
}

func TestGenerate_EmptyInstruction(t *testing.T) {
	g := New(&stubMessages{}, Options{})
	_, err := g.Generate(context.Background(), "  ", nil)
	require.Error(t, err)
}

func TestGenerate_RequestErrorWrapped(t *testing.T) {
	cause := errors.New("rate limited")
	g := New(&stubMessages{err: cause}, Options{})
	_, err := g.Generate(context.Background(), "do it", nil)
	require.ErrorIs(t, err, cause)
}

func TestGenerate_NoJSONInReply(t *testing.T) {
	g := New(&stubMessages{reply: "I cannot help with that."}, Options{})
	_, err := g.Generate(context.Background(), "do it", nil)
	require.Error(t, err)
}

func TestGenerate_EmptyResultIsError(t *testing.T) {
	g := New(&stubMessages{reply: `{"files":[],"explanation":""}`}, Options{})
	_, err := g.Generate(context.Background(), "do it", nil)
	require.Error(t, err)
}

func TestGenerate_ExplanationOnlyIsUsable(t *testing.T) {
	g := New(&stubMessages{reply: `{"files":[],"explanation":"nothing to change"}`}, Options{})
	res, err := g.Generate(context.Background(), "do it", nil)
	require.NoError(t, err)
	require.Empty(t, res.Files)
	require.Equal(t, "nothing to change", res.Explanation)
}

func TestUserPrompt_BoundsContextFiles(t *testing.T) {
	g := New(&stubMessages{}, Options{MaxFiles: 2, MaxFileBytes: 4})
	files := []ContextFile{
		{Path: "one.js", Content: "123456789"},
		{Path: "two.js", Content: "ab"},
		{Path: "three.js", Content: "never"},
	}
	prompt := g.userPrompt("instr", files)
	require.Contains(t, prompt, "one.js")
	require.Contains(t, prompt, "two.js")
	require.NotContains(t, prompt, "three.js")
	require.Contains(t, prompt, "(truncated)")
	require.NotContains(t, prompt, "123456789")
}

func TestExtractJSON(t *testing.T) {
	raw, err := extractJSON("noise {\"a\":1} trailing")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, raw)

	_, err = extractJSON("no braces here")
	require.Error(t, err)
}

func TestNewFromAPIKey_RequiresKey(t *testing.T) {
	_, err := NewFromAPIKey("", Options{})
	require.Error(t, err)

	g, err := NewFromAPIKey("sk-test", Options{})
	require.NoError(t, err)
	require.NotNil(t, g)
}

func TestDefaultsApplied(t *testing.T) {
	g := New(&stubMessages{}, Options{})
	require.Equal(t, DefaultModel, g.opts.Model)
	require.Equal(t, int64(DefaultMaxTokens), g.opts.MaxTokens)
	require.Equal(t, DefaultMaxFiles, g.opts.MaxFiles)
	require.Equal(t, DefaultMaxFileBytes, g.opts.MaxFileBytes)
	if !strings.Contains(systemPrompt, "JSON") {
		t.Fatalf("system prompt must demand JSON output")
	}
}
