// Package profiler builds the call tree of a single request from method
// entry and exit events, attributing log output to the method that was
// executing when it was written.
//
// A Profiler moves through Idle, Active and Stopped exactly once. Misuse such
// as exiting a method that was never entered, or stopping twice, is reported
// through ProfilerError and never panics: the profiler runs inside production
// request handling and must not break it.
package profiler

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/reqprof/internal/calltree"
	"github.com/coral-mesh/reqprof/internal/logsink"
)

var (
	// ErrNotActive is returned by StopProfiling when the profiler is not
	// between StartProfiling and StopProfiling.
	ErrNotActive = errors.New("profiler not active")
	// ErrAlreadyStarted is returned by StartProfiling on a profiler that has
	// already left the Idle state.
	ErrAlreadyStarted = errors.New("profiler already started")
)

// State is the lifecycle position of a Profiler.
type State int

const (
	Idle State = iota
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RequestInfo describes the inbound request at StartProfiling.
type RequestInfo struct {
	URL        string
	HTTPMethod string
	ClientIP   string
	UserAgent  string
	Ajax       bool
}

// ResponseInfo describes the outcome at StopProfiling.
type ResponseInfo struct {
	StatusCode int
}

// Interceptor is the contract between an interception source and a
// profiler.
type Interceptor interface {
	MethodEntry(inv Invocation)
	MethodExit()
	ProfilerError(msg string)
}

// RequestProfiler is the full per-request profiling contract.
type RequestProfiler interface {
	Interceptor
	RequestID() uuid.UUID
	State() State
	StartProfiling(info RequestInfo) error
	StopProfiling(resp ResponseInfo) (*calltree.Request, error)
}

// Config configures a Profiler.
type Config struct {
	// Server is recorded on every request. Defaults to the host name.
	Server string
	// Sink is the log side-channel. A nil sink disables log capture.
	Sink *logsink.Channel
	Logger zerolog.Logger
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// OnError is called after every reported profiler error.
	OnError func(msg string)
}

// Profiler is the per-request call tree builder.
type Profiler struct {
	id      uuid.UUID
	server  string
	sink    *logsink.Channel
	logger  zerolog.Logger
	now     func() time.Time
	onError func(string)

	mu      sync.Mutex
	state   State
	started time.Time
	request *calltree.Request
	current *calltree.Method
	sub     *logsink.Subscription
	errs    []string
}

var _ RequestProfiler = (*Profiler)(nil)

// New creates an idle profiler with a fresh request id.
func New(cfg Config) *Profiler {
	server := cfg.Server
	if server == "" {
		server, _ = os.Hostname()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	id := uuid.New()
	return &Profiler{
		id:      id,
		server:  server,
		sink:    cfg.Sink,
		logger:  cfg.Logger.With().Str("component", "profiler").Str("request_id", id.String()).Logger(),
		now:     now,
		onError: cfg.OnError,
	}
}

// RequestID returns the id the profiled request will be stored under.
func (p *Profiler) RequestID() uuid.UUID {
	return p.id
}

// State returns the current lifecycle state.
func (p *Profiler) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Errors returns every diagnostic reported so far.
func (p *Profiler) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.errs...)
}

// StartProfiling records the request metadata, starts the clock and, when a
// sink is configured, begins listening for log events.
func (p *Profiler) StartProfiling(info RequestInfo) error {
	p.mu.Lock()
	if p.state != Idle {
		state := p.state
		p.mu.Unlock()
		p.ProfilerError(fmt.Sprintf("start profiling called while %s", state))
		return ErrAlreadyStarted
	}

	p.started = p.now()
	p.request = &calltree.Request{
		ID:            p.id,
		URL:           calltree.NormalizeURL(info.URL),
		HTTPMethod:    info.HTTPMethod,
		CapturedOnUTC: p.started.UTC(),
		Server:        p.server,
		ClientIP:      info.ClientIP,
		UserAgent:     info.UserAgent,
		Ajax:          info.Ajax,
	}
	p.state = Active
	p.mu.Unlock()

	// Subscribe outside the lock: the sink may deliver immediately.
	if p.sink != nil {
		sub := p.sink.Subscribe(p.onLog)
		p.mu.Lock()
		p.sub = sub
		p.mu.Unlock()
	}

	return nil
}

// StopProfiling stops the clock and returns the finished request. Nodes still
// open are closed at the stop offset and reported as a profiler error.
func (p *Profiler) StopProfiling(resp ResponseInfo) (*calltree.Request, error) {
	p.mu.Lock()
	if p.state != Active {
		state := p.state
		p.mu.Unlock()
		p.ProfilerError(fmt.Sprintf("stop profiling called while %s", state))
		return nil, ErrNotActive
	}

	stopAt := p.offsetLocked()
	open := 0
	for m := p.current; m != nil; m = m.Parent() {
		m.Stop(stopAt)
		open++
	}
	p.current = nil

	var diag string
	if open > 0 {
		diag = fmt.Sprintf("%d method(s) still open at stop profiling", open)
		p.recordLocked(diag)
	}

	req := p.request
	req.ElapsedMs = stopAt
	req.StatusCode = resp.StatusCode
	p.state = Stopped
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()

	sub.Unsubscribe()
	if diag != "" {
		p.emit(diag)
	}

	return req, nil
}

// MethodEntry opens a node for inv beneath the current node and makes it
// current.
func (p *Profiler) MethodEntry(inv Invocation) {
	p.mu.Lock()
	if p.state != Active {
		state := p.state
		p.mu.Unlock()
		p.ProfilerError(fmt.Sprintf("method entry %s while %s", inv.FullName(), state))
		return
	}

	node := calltree.NewMethod(inv.FullName(), p.offsetLocked())
	if p.current == nil {
		p.request.AddMethod(node)
	} else {
		p.current.AddChild(node)
	}
	p.current = node
	p.mu.Unlock()
}

// MethodExit closes the current node and moves the cursor to its parent.
func (p *Profiler) MethodExit() {
	p.mu.Lock()
	if p.state != Active {
		state := p.state
		p.mu.Unlock()
		p.ProfilerError(fmt.Sprintf("method exit while %s", state))
		return
	}
	if p.current == nil {
		p.mu.Unlock()
		p.ProfilerError("method exit with no method entered")
		return
	}

	p.current.Stop(p.offsetLocked())
	p.current = p.current.Parent()
	p.mu.Unlock()
}

// ProfilerError records a diagnostic. While active it is stored on the
// request; before start or after stop it is kept on the profiler only.
func (p *Profiler) ProfilerError(msg string) {
	p.mu.Lock()
	p.recordLocked(msg)
	p.mu.Unlock()

	p.emit(msg)
}

func (p *Profiler) recordLocked(msg string) {
	p.errs = append(p.errs, msg)
	if p.state == Active && p.request != nil {
		p.request.ProfilerErrors = append(p.request.ProfilerErrors, msg)
	}
}

func (p *Profiler) emit(msg string) {
	p.logger.Warn().Str("error", msg).Msg("Profiler error")
	if p.onError != nil {
		p.onError(msg)
	}
}

func (p *Profiler) onLog(ev logsink.Event) {
	if ev.Context == nil || FromContext(ev.Context) != Interceptor(p) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Active || p.current == nil {
		return
	}
	if ev.Level >= zerolog.ErrorLevel && ev.Level <= zerolog.PanicLevel {
		p.current.MarkError()
	}
	p.current.AddLog(ev.Level, ev.Message, p.offsetLocked())
}

func (p *Profiler) offsetLocked() int64 {
	return p.now().Sub(p.started).Milliseconds()
}
