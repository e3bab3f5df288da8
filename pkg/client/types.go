package client

import "time"

// Event mirrors the server's push event wire format. The client keeps its own
// copy of the type so importing it never drags the engine in.
type Event struct {
	Type            string    `json:"type"`
	Stage           string    `json:"stage,omitempty"`
	Message         string    `json:"message,omitempty"`
	ProgressPercent *int      `json:"progressPercent,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Event types as they appear on the wire.
const (
	EventProgress  = "progress"
	EventOutput    = "output"
	EventCompleted = "completed"
	EventError     = "error"
	EventConnected = "connected"
)

// Terminal reports whether the event ends the build phase of a session.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventError
}

// BuildResult is where a finished session's dev server can be reached.
type BuildResult struct {
	URL       string `json:"url"`
	ExpoURL   string `json:"expoUrl,omitempty"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
}

// Record is one session's progress state as served by the polling endpoint.
type Record struct {
	Stage      string       `json:"stage"`
	Message    string       `json:"message"`
	Progress   int          `json:"progress"`
	IsComplete bool         `json:"isComplete"`
	HasError   bool         `json:"hasError"`
	Error      string       `json:"error,omitempty"`
	Logs       []string     `json:"logs"`
	NewLogs    []string     `json:"newLogs"`
	Result     *BuildResult `json:"result,omitempty"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// FileResult is the outcome of applying one generated file change.
type FileResult struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// ChangeResult is the response to a chat request. Kind "code" carries
// per-file results; kind "chat" is a conversational reply.
type ChangeResult struct {
	Kind  string       `json:"kind"`
	Reply string       `json:"reply"`
	Files []FileResult `json:"files,omitempty"`
}

// SessionRow is one archived session as listed by the server.
type SessionRow struct {
	SessionID  string     `json:"sessionId"`
	Prompt     string     `json:"prompt"`
	Template   string     `json:"template"`
	Port       int        `json:"port,omitempty"`
	URL        string     `json:"url,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
