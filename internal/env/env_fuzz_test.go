package env

import (
	"strings"
	"testing"
)

// FuzzExpandMerge fuzzes Merge/expand with random inputs to ensure no panics
// and basic invariants around ${VAR} expansion.
func FuzzExpandMerge(f *testing.F) {
	// seeds (packed as bytes; newline-separated)
	f.Add([]byte("EXPO_NO_TELEMETRY=1\nNODE_ENV=development"), []byte("PORT=8081\nEXPO_PACKAGER_PROXY_URL=http://${HOST}:${PORT}"))
	f.Add([]byte("APP=draft"), []byte("APP=${APP}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}")) // cyclic-like

	f.Fuzz(func(t *testing.T, appB []byte, sessB []byte) {
		appVars := splitNZ(string(appB))
		sessionVars := splitNZ(string(sessB))
		if len(appVars) > 20 {
			appVars = appVars[:20]
		}
		if len(sessionVars) > 20 {
			sessionVars = sessionVars[:20]
		}

		e := New()
		for _, kv := range appVars {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				e = e.WithSet(kv[:i], kv[i+1:])
			}
		}
		out := e.Merge(sessionVars)
		// 1) Every pair must carry '=' and a non-empty key.
		for _, kv := range out {
			if !strings.Contains(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
			if strings.HasPrefix(kv, "=") {
				t.Fatalf("empty key: %q", kv)
			}
		}
		// 2) When no input mentions '$', no ${ placeholder may survive expansion.
		containsDollar := false
		for _, s := range append(append([]string{}, appVars...), sessionVars...) {
			if strings.ContainsRune(s, '$') {
				containsDollar = true
				break
			}
		}
		if !containsDollar {
			for _, kv := range out {
				if strings.Contains(kv, "${") {
					t.Fatalf("unexpected placeholder remains: %q", kv)
				}
			}
		}
	})
}

// splitNZ splits s by newlines and returns non-empty trimmed lines.
func splitNZ(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
