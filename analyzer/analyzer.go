// Package analyzer derives findings from scanned thread dumps: busy threads, blocking calls on
// the main thread and deadlocks across the wait-for graph. It also renders findings and exports
// snapshots as pprof profiles.
package analyzer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/stacktrace"
)

// DefaultMainThread is the name of the thread checked for main thread violations.
const DefaultMainThread = "main"

// NameLookup resolves a display name for a pid that had no "Cmd line:".
type NameLookup interface {
	Lookup(pid int) (string, bool)
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMainThread changes the name of the thread treated as the main thread.
func WithMainThread(name string) Option {
	return func(a *Analyzer) {
		if name != "" {
			a.mainThread = name
		}
	}
}

// WithForbiddenPrefixes adds method prefixes that must not run on the main thread.
func WithForbiddenPrefixes(prefixes ...string) Option {
	return func(a *Analyzer) {
		for _, p := range prefixes {
			if p != "" {
				a.forbidden = append(a.forbidden, p)
			}
		}
	}
}

// WithNames decorates findings with names from a process registry.
func WithNames(names NameLookup) Option {
	return func(a *Analyzer) {
		a.names = names
	}
}

// Analyzer runs the analysis passes over one snapshot at a time. It keeps no state between
// calls, so one instance may serve several snapshots.
type Analyzer struct {
	logger     hclog.Logger
	mainThread string
	forbidden  []string
	names      NameLookup
}

// New returns an analyzer with the default main thread name and forbidden prefixes.
func New(logger hclog.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	a := &Analyzer{
		logger:     logger,
		mainThread: DefaultMainThread,
		forbidden:  append([]string(nil), forbiddenOnMainThread...),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs the busy, main thread and deadlock passes over snap, in that order. Busy stacks
// are recorded in busy when it is not nil. Only frame styles are modified.
func (a *Analyzer) Analyze(snap *stacktrace.Snapshot, busy *BusyList) []Finding {
	var findings []Finding
	findings = append(findings, a.checkBusy(snap, busy)...)
	for _, proc := range snap.Processes() {
		findings = append(findings, a.checkMainThread(snap, proc)...)
	}
	findings = append(findings, a.checkDeadlocks(snap)...)

	a.logger.Debug("analyzed snapshot", "snapshot", snap.Name, "findings", len(findings))
	return findings
}

func (a *Analyzer) newFinding(snap *stacktrace.Snapshot, cat Category, prio int, title string) Finding {
	return Finding{
		ID:       uuid.NewString(),
		Category: cat,
		Priority: prio,
		Title:    title,
		Snapshot: snap.Name,
	}
}

func (a *Analyzer) processName(proc *stacktrace.Process) string {
	if proc.Name == "" && a.names != nil {
		if name, ok := a.names.Lookup(proc.Pid); ok {
			return name
		}
	}
	return proc.DisplayName()
}

func (a *Analyzer) entry(snap *stacktrace.Snapshot, st *stacktrace.StackTrace, role string) Entry {
	proc := snap.ProcessOf(st)
	e := Entry{
		Stack:   st.ID,
		Role:    role,
		Pid:     proc.Pid,
		Process: a.processName(proc),
		Thread:  st.Name,
		Tid:     st.Tid,
		State:   st.State,
		Frames:  renderFrames(st),
	}
	for _, f := range st.Frames {
		if f.Kind == stacktrace.JavaFrame && f.File != "" && f.Line > 0 {
			e.SourceFile, e.SourceLine = f.File, f.Line
			break
		}
	}
	return e
}

func (a *Analyzer) label(snap *stacktrace.Snapshot, st *stacktrace.StackTrace) string {
	return a.processName(snap.ProcessOf(st)) + "/" + st.Name
}

// renderFrames prints frames innermost first, prefixing styled ones with their style.
func renderFrames(st *stacktrace.StackTrace) []string {
	ret := make([]string, 0, len(st.Frames))
	for _, f := range st.Frames {
		line := f.String()
		if f.Kind == stacktrace.JavaFrame || f.Kind == stacktrace.RawFrame {
			line = "at " + line
		}
		if f.Style != stacktrace.StyleNone {
			line = fmt.Sprintf("[%s] %s", f.Style, line)
		}
		ret = append(ret, line)
	}
	return ret
}

const dumpTimeLayout = "2006-01-02 15:04:05"

// processTime parses the capture time of the process header. It returns nil when the header
// used another layout.
func processTime(proc *stacktrace.Process) *time.Time {
	if proc == nil || proc.Date == "" || proc.Time == "" {
		return nil
	}
	t, err := time.Parse(dumpTimeLayout, proc.Date+" "+strings.TrimSpace(proc.Time))
	if err != nil {
		return nil
	}
	return &t
}
