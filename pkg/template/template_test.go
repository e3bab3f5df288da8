package template

import (
	"strings"
	"testing"
)

func TestCatalog_Get(t *testing.T) {
	catalog := NewCatalog()

	tests := []struct {
		name        string
		lookup      string
		expectError bool
		validate    func(*testing.T, Template)
	}{
		{
			name:   "blank_template",
			lookup: "blank",
			validate: func(t *testing.T, tpl Template) {
				if !strings.Contains(tpl.Scaffold, "create-expo-app") {
					t.Errorf("unexpected scaffold: %s", tpl.Scaffold)
				}
				if !strings.Contains(tpl.Dev, "expo start") {
					t.Errorf("unexpected dev command: %s", tpl.Dev)
				}
				if tpl.Fallback == "" {
					t.Error("expected a fallback command")
				}
			},
		},
		{
			name:   "empty_name_resolves_default",
			lookup: "",
			validate: func(t *testing.T, tpl Template) {
				if tpl.Name != DefaultName {
					t.Errorf("expected default template, got %s", tpl.Name)
				}
			},
		},
		{
			name:   "case_insensitive",
			lookup: "TABS",
			validate: func(t *testing.T, tpl Template) {
				if tpl.Name != "tabs" {
					t.Errorf("expected tabs, got %s", tpl.Name)
				}
			},
		},
		{
			name:        "unknown_template",
			lookup:      "spaceship",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := catalog.Get(tt.lookup)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), "supported") {
					t.Errorf("error should list supported templates: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get(%q): %v", tt.lookup, err)
			}
			if tt.validate != nil {
				tt.validate(t, tpl)
			}
		})
	}
}

func TestCatalog_Names(t *testing.T) {
	names := NewCatalog().Names()
	if len(names) < 3 {
		t.Fatalf("expected at least 3 builtin templates, got %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}

func TestCatalog_Overrides(t *testing.T) {
	catalog := NewCatalog(
		Template{Name: "blank", Dev: "npx expo start --port {{port}} --tunnel"},
		Template{Name: "custom", Scaffold: "./gen {{name}}", Dev: "./serve {{port}}"},
	)

	blank, err := catalog.Get("blank")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(blank.Dev, "--tunnel") {
		t.Errorf("override not applied: %s", blank.Dev)
	}
	if blank.Scaffold == "" {
		t.Error("builtin scaffold should survive a partial override")
	}

	custom, err := catalog.Get("custom")
	if err != nil {
		t.Fatal(err)
	}
	if custom.Scaffold != "./gen {{name}}" {
		t.Errorf("new template not registered: %+v", custom)
	}
}

func TestRender(t *testing.T) {
	v := Vars{Name: "myapp", Dir: "/tmp/work", Port: 8123}
	got := Render("npx create-expo-app {{name}} --dir {{dir}} --port {{port}}", v)
	want := "npx create-expo-app myapp --dir /tmp/work --port 8123"
	if got != want {
		t.Fatalf("Render = %q, want %q", got, want)
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name     string
		cmdline  string
		wantName string
		wantArgs []string
	}{
		{
			name:     "plain_fields",
			cmdline:  "npx expo start --port 8081",
			wantName: "npx",
			wantArgs: []string{"expo", "start", "--port", "8081"},
		},
		{
			name:     "metacharacters_use_shell",
			cmdline:  "echo hello && echo world",
			wantName: "/bin/sh",
			wantArgs: []string{"-c", "echo hello && echo world"},
		},
		{
			name:     "explicit_shell_not_double_wrapped",
			cmdline:  "sh -c 'echo hi'",
			wantName: "/bin/sh",
			wantArgs: []string{"-c", "echo hi"},
		},
		{
			name:     "absolute_shell",
			cmdline:  "/bin/sh -c \"ls -la\"",
			wantName: "/bin/sh",
			wantArgs: []string{"-c", "ls -la"},
		},
		{
			name:     "empty_line",
			cmdline:  "   ",
			wantName: "/bin/true",
			wantArgs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args := SplitCommand(tt.cmdline)
			if name != tt.wantName {
				t.Fatalf("name = %q, want %q", name, tt.wantName)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", args, tt.wantArgs)
			}
			for i := range args {
				if args[i] != tt.wantArgs[i] {
					t.Fatalf("args[%d] = %q, want %q", i, args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestTemplate_Cmds(t *testing.T) {
	tpl := Template{
		Name:     "demo",
		Scaffold: "gen {{name}}",
		Dev:      "serve --port {{port}}",
	}
	v := Vars{Name: "app1", Port: 9000}

	name, args := tpl.ScaffoldCmd(v)
	if name != "gen" || len(args) != 1 || args[0] != "app1" {
		t.Fatalf("ScaffoldCmd = %q %v", name, args)
	}

	// Fallback defaults to the scaffold line when unset.
	name, args = tpl.FallbackCmd(v)
	if name != "gen" || len(args) != 1 || args[0] != "app1" {
		t.Fatalf("FallbackCmd = %q %v", name, args)
	}

	name, args = tpl.DevCmd(v)
	if name != "serve" || len(args) != 2 || args[1] != "9000" {
		t.Fatalf("DevCmd = %q %v", name, args)
	}
}
