// Package applier writes generated file changes into a session workspace.
// The whole batch is rejected when any change's path resolves outside the
// workspace; individual write failures are reported per file and never abort
// the rest of the batch.
package applier

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/appdraft/appdraft/internal/generator"
)

// ErrPathEscape marks a batch rejected because a path leaves the workspace.
var ErrPathEscape = errors.New("path escapes workspace")

// FileResult is the outcome of applying one change.
type FileResult struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Validate rejects the whole batch when any change's path resolves outside
// workDir. Absolute paths and relative traversal both count as escapes.
func Validate(workDir string, changes []generator.FileChange) error {
	root, err := filepath.Abs(workDir)
	if err != nil {
		return err
	}
	for _, ch := range changes {
		if _, err := resolve(root, ch.Path); err != nil {
			return err
		}
	}
	return nil
}

// Apply validates the batch and then writes each change, returning one
// result per change in order.
func Apply(workDir string, changes []generator.FileChange) ([]FileResult, error) {
	root, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}
	if err := Validate(workDir, changes); err != nil {
		return nil, err
	}
	results := make([]FileResult, 0, len(changes))
	for _, ch := range changes {
		res := FileResult{Path: ch.Path, Action: string(ch.Action)}
		if err := applyOne(root, ch); err != nil {
			res.Error = err.Error()
			slog.Warn("File change failed", "path", ch.Path, "action", ch.Action, "error", err)
		} else {
			res.OK = true
		}
		results = append(results, res)
	}
	return results, nil
}

// resolve maps a change path onto the workspace root, failing on escapes.
func resolve(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscape)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, rel)
	}
	abs := filepath.Join(root, rel)
	r, err := filepath.Rel(root, abs)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return abs, nil
}

func applyOne(root string, ch generator.FileChange) error {
	target, err := resolve(root, ch.Path)
	if err != nil {
		return err
	}
	switch ch.Action {
	case generator.ActionDelete:
		return os.Remove(target)
	case generator.ActionCreate, generator.ActionUpdate, "":
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		return os.WriteFile(target, []byte(ch.Content), 0o600)
	default:
		return fmt.Errorf("unknown action %q", ch.Action)
	}
}
