package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/appdraft/appdraft/internal/applier"
	"github.com/appdraft/appdraft/internal/generator"
	"github.com/appdraft/appdraft/internal/metrics"
)

// ChangeResult is the outcome of one ApplyChange call. Kind "code" carries
// per-file results; kind "chat" is a conversational reply with no file I/O.
type ChangeResult struct {
	Kind  string               `json:"kind"`
	Reply string               `json:"reply"`
	Files []applier.FileResult `json:"files,omitempty"`
}

const (
	ChangeKindCode = "code"
	ChangeKindChat = "chat"
)

// ErrNoWorkspace is returned when a change targets a session without a
// scaffolded project.
var ErrNoWorkspace = errors.New("session has no project workspace")

// changeKeywords is the fixed vocabulary that classifies free-text input as
// a code-change request. Anything else is conversational.
var changeKeywords = map[string]bool{
	"add": true, "create": true, "make": true, "build": true, "implement": true,
	"change": true, "update": true, "modify": true, "edit": true, "set": true,
	"fix": true, "repair": true, "correct": true, "adjust": true,
	"remove": true, "delete": true, "hide": true, "show": true,
	"rename": true, "move": true, "replace": true, "refactor": true,
	"style": true, "color": true, "colour": true, "layout": true, "font": true,
	"button": true, "screen": true, "page": true, "component": true, "tab": true,
	"header": true, "footer": true, "icon": true, "image": true, "text": true,
	"title": true, "list": true, "form": true, "input": true, "navigation": true,
}

// IsCodeRequest reports whether input matches the change vocabulary.
func IsCodeRequest(input string) bool {
	words := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		if changeKeywords[word] {
			return true
		}
	}
	return false
}

// ApplyChange handles one free-text request against a built session. Code
// requests go through generation and the applier; conversational requests
// get a direct reply. The whole batch is rejected if any generated path
// escapes the session's project directory.
func (w *Workflow) ApplyChange(ctx context.Context, sessionID, input string) (*ChangeResult, error) {
	if strings.TrimSpace(input) == "" {
		return nil, errors.New("empty input")
	}

	if !IsCodeRequest(input) {
		return &ChangeResult{Kind: ChangeKindChat, Reply: conversationalReply()}, nil
	}
	if w.generator == nil {
		return &ChangeResult{
			Kind:  ChangeKindChat,
			Reply: "Code generation is not configured on this server, so I can't modify the app. The scaffolded project is still running.",
		}, nil
	}

	projectDir, err := w.projectDir(sessionID)
	if err != nil {
		return nil, err
	}

	w.ledger.Output(sessionID, fmt.Sprintf("Applying change: %s", truncate(input, 120)), false)
	res, err := w.generator.Generate(ctx, input, collectContext(projectDir, w.maxFiles, w.maxFileBytes))
	if err != nil {
		w.ledger.Output(sessionID, "Change request failed: code generation error", true)
		return nil, fmt.Errorf("generate: %w", err)
	}
	if len(res.Files) == 0 {
		reply := res.Explanation
		if reply == "" {
			reply = "No file changes were needed for that request."
		}
		return &ChangeResult{Kind: ChangeKindChat, Reply: reply}, nil
	}

	if err := applier.Validate(projectDir, res.Files); err != nil {
		w.ledger.Output(sessionID, "Change rejected: generated paths escape the workspace", true)
		return nil, fmt.Errorf("validate: %w", err)
	}
	results, err := applier.Apply(projectDir, res.Files)
	if err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}

	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
			metrics.IncChangeApplied()
			w.ledger.Output(sessionID, fmt.Sprintf("Updated %s", r.Path), false)
		} else {
			w.ledger.Output(sessionID, fmt.Sprintf("Failed to update %s: %s", r.Path, r.Error), true)
		}
	}
	w.ledger.Output(sessionID, fmt.Sprintf("Change applied: %d of %d files", ok, len(results)), false)

	reply := res.Explanation
	if reply == "" {
		reply = fmt.Sprintf("Applied %d of %d file changes.", ok, len(results))
	}
	return &ChangeResult{Kind: ChangeKindCode, Reply: reply, Files: results}, nil
}

// projectDir resolves the session's scaffolded project. The supervisor's
// record is authoritative while the dev server runs; otherwise fall back to
// the conventional path under the workspace root.
func (w *Workflow) projectDir(sessionID string) (string, error) {
	ws := filepath.Join(w.root, sessionID)
	if info, ok := w.supervisor.Get(sessionID); ok && info.WorkDir != "" {
		ws = info.WorkDir
	}
	dir := filepath.Join(ws, appName)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNoWorkspace, sessionID)
	}
	return dir, nil
}

func conversationalReply() string {
	return "I can modify your app when you describe a change. Try something like " +
		`"add a settings screen" or "change the header color to blue".`
}

// contextExts are the file types worth showing the generator.
var contextExts = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".json": true,
}

// skipDirs are trees never read for context.
var skipDirs = map[string]bool{
	"node_modules": true, "ios": true, "android": true,
}

// collectContext gathers up to maxFiles project files, shallowest first,
// each truncated to maxBytes. Lock files and hidden trees are skipped.
func collectContext(dir string, maxFiles, maxBytes int) []generator.ContextFile {
	type candidate struct {
		rel   string
		depth int
	}
	var cands []candidate
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d == nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return fs.SkipDir
			}
			return nil
		}
		if !contextExts[strings.ToLower(filepath.Ext(p))] || d.Name() == "package-lock.json" {
			return nil
		}
		rel, rerr := filepath.Rel(dir, p)
		if rerr != nil {
			return nil
		}
		cands = append(cands, candidate{rel: rel, depth: strings.Count(rel, string(filepath.Separator))})
		return nil
	})
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].depth != cands[j].depth {
			return cands[i].depth < cands[j].depth
		}
		return cands[i].rel < cands[j].rel
	})
	if len(cands) > maxFiles {
		cands = cands[:maxFiles]
	}
	out := make([]generator.ContextFile, 0, len(cands))
	for _, c := range cands {
		b, err := os.ReadFile(filepath.Join(dir, c.rel)) // #nosec G304 -- paths come from walking the session workspace
		if err != nil {
			continue
		}
		content := string(b)
		if len(content) > maxBytes {
			content = content[:maxBytes] + "\n...(truncated)"
		}
		out = append(out, generator.ContextFile{Path: c.rel, Content: content})
	}
	return out
}
