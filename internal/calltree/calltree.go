// Package calltree holds the in-memory shape of a profiled request: a tree of
// timed method invocations with the log output attributed to each node.
package calltree

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/persistence"
)

// KindRequest is the persistence kind of a profiled request.
const KindRequest persistence.Kind = "profiled_request"

// LogMessage is a log line emitted while a method node was current.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	// ElapsedMs is the offset from the owning node's start.
	ElapsedMs int64 `json:"elapsed_ms"`
}

// Method is one timed invocation in the call tree. Offsets are milliseconds
// since profiling of the owning request began.
type Method struct {
	Name          string        `json:"name"`
	StartedAtMs   int64         `json:"started_at_ms"`
	StoppedAtMs   int64         `json:"stopped_at_ms"`
	ElapsedMs     int64         `json:"elapsed_ms"`
	ErrorInMethod bool          `json:"error_in_method"`
	LogMessages   []*LogMessage `json:"log_messages,omitempty"`
	Methods       []*Method     `json:"methods,omitempty"`

	parent  *Method
	stopped bool
}

// NewMethod creates an open node started at offset startedAtMs.
func NewMethod(name string, startedAtMs int64) *Method {
	return &Method{Name: name, StartedAtMs: startedAtMs}
}

// Parent returns the enclosing node, or nil for a top-level node.
func (m *Method) Parent() *Method {
	return m.parent
}

// AddChild appends child in call order and links it back to m.
func (m *Method) AddChild(child *Method) {
	child.parent = m
	m.Methods = append(m.Methods, child)
}

// Stop closes the node at stoppedAtMs. Offsets earlier than the start are
// clamped so that elapsed time is never negative.
func (m *Method) Stop(stoppedAtMs int64) {
	if stoppedAtMs < m.StartedAtMs {
		stoppedAtMs = m.StartedAtMs
	}
	m.StoppedAtMs = stoppedAtMs
	m.ElapsedMs = stoppedAtMs - m.StartedAtMs
	m.stopped = true
}

// Stopped reports whether Stop has been called. Nodes decoded from storage
// count as stopped.
func (m *Method) Stopped() bool {
	return m.stopped
}

// AddLog attributes a log line to the node. atMs is the request-relative
// offset at which the event was observed.
func (m *Method) AddLog(level zerolog.Level, message string, atMs int64) {
	offset := atMs - m.StartedAtMs
	if offset < 0 {
		offset = 0
	}
	m.LogMessages = append(m.LogMessages, &LogMessage{
		Level:     level.String(),
		Message:   message,
		ElapsedMs: offset,
	})
}

// MarkError flags the node as having logged an error.
func (m *Method) MarkError() {
	m.ErrorInMethod = true
}

// Walk visits m and its descendants depth first, in call order. Returning
// false from fn skips the node's children.
func (m *Method) Walk(depth int, fn func(m *Method, depth int) bool) {
	if !fn(m, depth) {
		return
	}
	for _, child := range m.Methods {
		child.Walk(depth+1, fn)
	}
}

// Request is the complete profile of one inbound request.
type Request struct {
	ID             uuid.UUID `json:"id"`
	URL            string    `json:"url"`
	HTTPMethod     string    `json:"http_method,omitempty"`
	CapturedOnUTC  time.Time `json:"captured_on_utc"`
	Server         string    `json:"server"`
	ClientIP       string    `json:"client_ip"`
	UserAgent      string    `json:"user_agent"`
	Ajax           bool      `json:"ajax"`
	StatusCode     int       `json:"status_code,omitempty"`
	ElapsedMs      int64     `json:"elapsed_ms"`
	Methods        []*Method `json:"methods,omitempty"`
	ProfilerErrors []string  `json:"profiler_errors,omitempty"`
}

// NewRequest creates an empty profile with the given id.
func NewRequest(id uuid.UUID) *Request {
	return &Request{ID: id}
}

// Kind implements persistence.Persistable.
func (r *Request) Kind() persistence.Kind {
	return KindRequest
}

// NormalizeURL lower-cases a request URL the way profiles are keyed.
func NormalizeURL(url string) string {
	return strings.ToLower(url)
}

// AddMethod appends a top-level node.
func (r *Request) AddMethod(m *Method) {
	m.parent = nil
	r.Methods = append(r.Methods, m)
}

// Walk visits every node of the tree depth first, top-level nodes at depth 0.
func (r *Request) Walk(fn func(m *Method, depth int) bool) {
	for _, m := range r.Methods {
		m.Walk(0, fn)
	}
}

// MethodCount returns the total number of nodes in the tree.
func (r *Request) MethodCount() int {
	n := 0
	r.Walk(func(*Method, int) bool {
		n++
		return true
	})
	return n
}

// HasErrors reports whether any node logged an error.
func (r *Request) HasErrors() bool {
	found := false
	r.Walk(func(m *Method, _ int) bool {
		if m.ErrorInMethod {
			found = true
		}
		return !found
	})
	return found
}

// Link restores parent pointers and stopped markers after the tree has been
// decoded from storage.
func (r *Request) Link() {
	for _, m := range r.Methods {
		m.parent = nil
		link(m)
	}
}

func link(m *Method) {
	m.stopped = true
	for _, child := range m.Methods {
		child.parent = m
		link(child)
	}
}

// Preview is the list projection of a profiled request.
type Preview struct {
	ID            uuid.UUID `json:"id"`
	URL           string    `json:"url"`
	HTTPMethod    string    `json:"http_method,omitempty"`
	CapturedOnUTC time.Time `json:"captured_on_utc"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	StatusCode    int       `json:"status_code,omitempty"`
	Server        string    `json:"server"`
	MethodCount   int       `json:"method_count"`
	HasErrors     bool      `json:"has_errors"`
}

// Preview returns the list projection of r.
func (r *Request) Preview() Preview {
	return Preview{
		ID:            r.ID,
		URL:           r.URL,
		HTTPMethod:    r.HTTPMethod,
		CapturedOnUTC: r.CapturedOnUTC,
		ElapsedMs:     r.ElapsedMs,
		StatusCode:    r.StatusCode,
		Server:        r.Server,
		MethodCount:   r.MethodCount(),
		HasErrors:     r.HasErrors(),
	}
}
