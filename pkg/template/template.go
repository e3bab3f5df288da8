// Package template holds the catalog of project templates a build session
// can scaffold from. Each template names the command lines for scaffolding,
// a simplified fallback used on retry, and the long-running dev server, with
// {{name}}, {{dir}} and {{port}} placeholders expanded at build time.
package template

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultName is the template used when a request names none.
const DefaultName = "blank"

// Template describes how to scaffold and serve one kind of project.
type Template struct {
	Name     string   `json:"name"`
	Scaffold string   `json:"scaffold"`          // scaffold command line
	Fallback string   `json:"fallback"`          // simplified retry variant; Scaffold when empty
	Dev      string   `json:"dev"`               // dev server command line
	Env      []string `json:"env,omitempty"`     // extra KEY=VALUE pairs for the dev server
	Summary  string   `json:"summary,omitempty"` // one-line description for listings
}

// Vars are the placeholder values a command line may reference.
type Vars struct {
	Name string
	Dir  string
	Port int
}

// Render expands {{name}}, {{dir}} and {{port}} in s.
func Render(s string, v Vars) string {
	r := strings.NewReplacer(
		"{{name}}", v.Name,
		"{{dir}}", v.Dir,
		"{{port}}", strconv.Itoa(v.Port),
	)
	return r.Replace(s)
}

// ScaffoldCmd renders and splits the scaffold command line.
func (t Template) ScaffoldCmd(v Vars) (string, []string) {
	return SplitCommand(Render(t.Scaffold, v))
}

// FallbackCmd renders and splits the simplified retry command line.
func (t Template) FallbackCmd(v Vars) (string, []string) {
	line := t.Fallback
	if strings.TrimSpace(line) == "" {
		line = t.Scaffold
	}
	return SplitCommand(Render(line, v))
}

// DevCmd renders and splits the dev server command line.
func (t Template) DevCmd(v Vars) (string, []string) {
	return SplitCommand(Render(t.Dev, v))
}

// Catalog resolves template names. Overrides are applied on top of the
// builtin set by name; empty override fields keep the builtin values.
type Catalog struct {
	templates map[string]Template
}

// NewCatalog builds the catalog with the builtin templates plus overrides.
func NewCatalog(overrides ...Template) *Catalog {
	c := &Catalog{templates: make(map[string]Template, len(builtins))}
	for _, t := range builtins {
		c.templates[t.Name] = t
	}
	for _, o := range overrides {
		c.apply(o)
	}
	return c
}

func (c *Catalog) apply(o Template) {
	if o.Name == "" {
		return
	}
	t, ok := c.templates[o.Name]
	if !ok {
		c.templates[o.Name] = o
		return
	}
	if o.Scaffold != "" {
		t.Scaffold = o.Scaffold
	}
	if o.Fallback != "" {
		t.Fallback = o.Fallback
	}
	if o.Dev != "" {
		t.Dev = o.Dev
	}
	if len(o.Env) > 0 {
		t.Env = o.Env
	}
	if o.Summary != "" {
		t.Summary = o.Summary
	}
	c.templates[o.Name] = t
}

// Get resolves a template by name; the empty name resolves to DefaultName.
func (c *Catalog) Get(name string) (Template, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	t, ok := c.templates[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Template{}, fmt.Errorf("unknown template %q (supported: %s)", name, strings.Join(c.Names(), ", "))
	}
	return t, nil
}

// Names lists the catalog's template names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.templates))
	for n := range c.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SplitCommand turns a rendered command line into an executable name and
// argument list. It avoids invoking a shell when not necessary, and respects
// an explicit shell invocation already present in the line (e.g.
// "sh -c 'echo hi'") without double-wrapping it.
func SplitCommand(cmdline string) (string, []string) {
	cmdStr := strings.TrimSpace(cmdline)
	if cmdStr == "" {
		return "/bin/true", nil
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return "/bin/sh", []string{"-c", afterC}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return "/bin/sh", []string{"-c", cmdStr}
	}
	parts := strings.Fields(cmdStr)
	return parts[0], parts[1:]
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>"
// at the beginning of cmdline. It returns (shellPath, afterCArg, true) when
// matched, preserving the substring after "-c " verbatim except for one pair
// of surrounding quotes.
func parseExplicitShell(cmdline string) (string, string, bool) {
	trim := strings.TrimLeft(cmdline, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		shell := strings.TrimSuffix(p, " -c ")
		if shell == "sh" {
			shell = "/bin/sh"
		}
		return shell, after, true
	}
	return "", "", false
}

// builtins is the default template catalog. Scaffold lines run in the
// session workspace parent; dev lines run inside the created project.
var builtins = []Template{
	{
		Name:     "blank",
		Summary:  "Minimal Expo app with a single screen",
		Scaffold: "npx --yes create-expo-app@latest {{name}} --template blank --yes",
		Fallback: "npx --yes create-expo-app {{name}} --yes",
		Dev:      "npx expo start --port {{port}}",
		Env:      []string{"EXPO_NO_TELEMETRY=1", "BROWSER=none", "CI=1"},
	},
	{
		Name:     "tabs",
		Summary:  "Expo app with tab-based navigation",
		Scaffold: "npx --yes create-expo-app@latest {{name}} --template tabs --yes",
		Fallback: "npx --yes create-expo-app {{name}} --template tabs",
		Dev:      "npx expo start --port {{port}}",
		Env:      []string{"EXPO_NO_TELEMETRY=1", "BROWSER=none", "CI=1"},
	},
	{
		Name:     "navigation",
		Summary:  "Expo app preconfigured with react-navigation",
		Scaffold: "npx --yes create-expo-app@latest {{name}} --example with-react-navigation --yes",
		Fallback: "npx --yes create-expo-app@latest {{name}} --template blank --yes",
		Dev:      "npx expo start --port {{port}}",
		Env:      []string{"EXPO_NO_TELEMETRY=1", "BROWSER=none", "CI=1"},
	},
}
