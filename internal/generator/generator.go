// Package generator turns free-text instructions into concrete file changes
// for a session workspace. The production implementation calls the Anthropic
// Messages API and expects a strict JSON reply, extracted tolerantly from
// whatever prose or fencing the model wraps around it.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Action is what to do with one file.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// FileChange is one generated modification, with paths relative to the
// session workspace.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Action  Action `json:"action"`
}

// Result is one generation outcome.
type Result struct {
	Files       []FileChange `json:"files"`
	Explanation string       `json:"explanation"`
}

// ContextFile gives the model sight of an existing project file.
type ContextFile struct {
	Path    string
	Content string
}

// Generator produces file changes from an instruction.
type Generator interface {
	Generate(ctx context.Context, instruction string, contextFiles []ContextFile) (*Result, error)
}

// MessagesClient is the narrow slice of the Anthropic SDK the generator
// needs; *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Defaults for the Anthropic generator.
const (
	DefaultModel        = "claude-sonnet-4-20250514"
	DefaultMaxTokens    = 8192
	DefaultMaxFiles     = 12
	DefaultMaxFileBytes = 8 * 1024
)

const systemPrompt = `You are a code generator for Expo (React Native) projects.
Respond with a single JSON object and nothing else:
{"files":[{"path":"App.js","content":"<full file content>","action":"create|update|delete"}],"explanation":"<one or two sentences>"}
Paths must be relative to the project root. Always return complete file contents, never diffs. Use "delete" with empty content to remove a file.`

// Options configures the Anthropic generator. Zero values fall back to the
// package defaults.
type Options struct {
	Model        string
	MaxTokens    int64
	MaxFiles     int // context files included per request
	MaxFileBytes int // per-file truncation before inclusion
}

// Anthropic generates file changes through the Messages API.
type Anthropic struct {
	client MessagesClient
	opts   Options
}

// New builds a generator over an existing Messages client.
func New(client MessagesClient, opts Options) *Anthropic {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	return &Anthropic{client: client, opts: opts}
}

// NewFromAPIKey builds a generator with its own SDK client.
func NewFromAPIKey(apiKey string, opts Options) (*Anthropic, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic api key required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts), nil
}

// Generate asks the model for file changes. The instruction and at most
// MaxFiles context files (each truncated to MaxFileBytes) form the user
// message. An unparseable or empty reply is an error; callers degrade
// gracefully rather than failing their whole flow.
func (g *Anthropic) Generate(ctx context.Context, instruction string, contextFiles []ContextFile) (*Result, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, errors.New("instruction is empty")
	}
	params := sdk.MessageNewParams{
		MaxTokens: g.opts.MaxTokens,
		Model:     sdk.Model(g.opts.Model),
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(g.userPrompt(instruction, contextFiles))),
		},
	}
	msg, err := g.client.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	raw, err := extractJSON(text.String())
	if err != nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	normalize(&res)
	if len(res.Files) == 0 && strings.TrimSpace(res.Explanation) == "" {
		return nil, errors.New("model returned no usable changes")
	}
	return &res, nil
}

func (g *Anthropic) userPrompt(instruction string, files []ContextFile) string {
	var b strings.Builder
	b.WriteString("Instruction:\n")
	b.WriteString(instruction)
	if len(files) > g.opts.MaxFiles {
		files = files[:g.opts.MaxFiles]
	}
	for _, f := range files {
		content := f.Content
		if len(content) > g.opts.MaxFileBytes {
			content = content[:g.opts.MaxFileBytes] + "\n...(truncated)"
		}
		fmt.Fprintf(&b, "\n\nCurrent file %s:\n%s", f.Path, content)
	}
	return b.String()
}

// extractJSON pulls the outermost JSON object out of a reply that may wrap
// it in markdown fences or prose.
func extractJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errors.New("no JSON object in model output")
	}
	return s[start : end+1], nil
}

// normalize cleans up model sloppiness that is safe to repair: surrounding
// whitespace in paths, mixed-case actions, and a missing action on a change
// that carries content.
func normalize(res *Result) {
	for i := range res.Files {
		f := &res.Files[i]
		f.Path = strings.TrimSpace(f.Path)
		f.Action = Action(strings.ToLower(strings.TrimSpace(string(f.Action))))
		if f.Action == "" && f.Content != "" {
			f.Action = ActionCreate
		}
	}
}
